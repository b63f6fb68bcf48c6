package cmd

import "testing"

// The database URL is a persistent root flag; reset's own switches must not hide it.
func TestResetKeepsRootDBFlag(t *testing.T) {
	oldURL, oldLedger := dbURL, resetLedger
	t.Cleanup(func() {
		dbURL, resetLedger = oldURL, oldLedger
		resetCmd.Flags().Set("ledger", "false")
	})

	if f := resetCmd.LocalNonPersistentFlags().Lookup("db"); f != nil {
		t.Fatalf("reset defines its own --db (%s), hiding the database URL", f.Usage)
	}
	if err := resetCmd.ParseFlags([]string{"--db", "postgres://u:p@db:5432/swap", "--ledger"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if dbURL != "postgres://u:p@db:5432/swap" {
		t.Errorf("Expected --db to reach the root flag, got %q", dbURL)
	}
	if !resetLedger {
		t.Error("Expected --ledger to select the ledger")
	}
	if args := resetCmd.Flags().Args(); len(args) != 0 {
		t.Errorf("Unexpected positional args %v", args)
	}
}
