package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Run executes the command and folds captured stderr into the error.
func (s *SafeCommand) Run() error {
	if err := s.Cmd.Run(); err != nil {
		if msg := strings.TrimSpace(s.Stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", s.Path, err, msg)
		}
		return fmt.Errorf("%s: %w", s.Path, err)
	}
	return nil
}

// --- 2. User-facing Output ---

// ErrorOutput is where ShowError and UpdateStatus write. Tests may swap it.
var ErrorOutput io.Writer = os.Stderr

// ShowError prints a formatted error box and dumps worker logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(ErrorOutput, "\n---------------------------------------------------------\n")
	fmt.Fprintf(ErrorOutput, "🚨 SWAPLINE ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(ErrorOutput, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(ErrorOutput, "\nWORKER CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(ErrorOutput, "---------------------------------------------------------\n")
}

// UpdateStatus prints a scoped status line, e.g. "[FACE_SWAPPER] Creating temporary resources...".
func UpdateStatus(message, scope string) {
	fmt.Fprintf(ErrorOutput, "[%s] %s\n", strings.ToUpper(scope), message)
}

// --- 3. Fingerprints ---

// GenerateMediaID creates a deterministic hash for a media file
// based on its path, size, and modification time.
func GenerateMediaID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
