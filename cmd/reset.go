package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/swapline/internal/config"
	"github.com/andresmejia3/swapline/internal/facecache"
	"github.com/andresmejia3/swapline/internal/media"
	"github.com/andresmejia3/swapline/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetLedger    bool
	resetModels    bool
	resetCache     bool
	resetTemp      string
	resetYes       bool
	resetModelsDir string
	resetCacheDir  string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Ledger, Models, Detection Cache, Temp Frames)",
	Long:  "Clears stored data. By default, it resets the ledger, models and cache. Use --ledger, --models, --cache or --temp to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING except temp frames, which need a target
		if !resetLedger && !resetModels && !resetCache && resetTemp == "" {
			resetLedger = true
			resetModels = true
			resetCache = resetCacheDir != ""
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool {
			return resetYes || confirm(reader, os.Stdout, prompt)
		}

		if resetLedger {
			if DB == nil {
				fmt.Println("⏭️  No ledger configured, skipping database.")
			} else if ask("⚠️  Are you sure you want to DROP all ledger tables?") {
				fmt.Println("🗑️  Clearing Ledger...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetModels {
			if ask(fmt.Sprintf("⚠️  Are you sure you want to delete all downloaded models in %s?", resetModelsDir)) {
				fmt.Println("🗑️  Clearing Models...")
				removeDir(resetModelsDir)
			}
		}

		if resetCache {
			if resetCacheDir == "" {
				return fmt.Errorf("--cache requires --cache-dir")
			}
			if ask(fmt.Sprintf("⚠️  Are you sure you want to drop the detection cache in %s?", resetCacheDir)) {
				fmt.Println("🗑️  Clearing Detection Cache...")
				if err := clearCache(resetCacheDir); err != nil {
					utils.ShowError("Failed to reset detection cache", err, nil)
					return err
				}
			}
		}

		if resetTemp != "" {
			if ask(fmt.Sprintf("⚠️  Are you sure you want to delete the temporary frames of %s?", resetTemp)) {
				fmt.Println("🗑️  Clearing Temp Frames...")
				if err := media.CleanTemp(resetTemp, false); err != nil {
					fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", media.TempDir(resetTemp), err)
				}
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetLedger, "ledger", false, "Clear the job ledger (the database itself comes from --db)")
	resetCmd.Flags().BoolVar(&resetModels, "models", false, "Delete downloaded model weights")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Drop the detection cache")
	resetCmd.Flags().StringVar(&resetTemp, "temp", "", "Delete leftover temporary frames of this target")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	resetCmd.Flags().StringVar(&resetModelsDir, "models-dir", config.DefaultModelsDir(), "Models directory")
	resetCmd.Flags().StringVar(&resetCacheDir, "cache-dir", "", "Detection cache directory")
	rootCmd.AddCommand(resetCmd)
}

// clearCache drops every cached detection but keeps the store usable.
func clearCache(dir string) error {
	cache, err := facecache.Open(facecache.Options{Dir: dir})
	if err != nil {
		return err
	}
	if err := cache.Reset(); err != nil {
		cache.Close()
		return err
	}
	return cache.Close()
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
