package config_test

import (
	"testing"
	"time"

	"github.com/spf13/cobra"

	"sharethings/internal/config"
)

func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "serve"}
	config.RegisterFlags(cmd)
	return cmd
}

func TestFromCmdDefaults(t *testing.T) {
	cmd := newTestCmd()

	cfg, err := config.FromCmd(cmd)
	if err != nil {
		t.Fatalf("FromCmd: %v", err)
	}
	if cfg.Addr != ":4576" {
		t.Errorf("Addr = %q, want %q", cfg.Addr, ":4576")
	}
	if cfg.SessionTimeout != 10*time.Minute {
		t.Errorf("SessionTimeout = %v, want 10m", cfg.SessionTimeout)
	}
	if cfg.MaxItemsPerSession != 200 {
		t.Errorf("MaxItemsPerSession = %d, want 200", cfg.MaxItemsPerSession)
	}
	if cfg.LargeFileThreshold != 4<<20 {
		t.Errorf("LargeFileThreshold = %d, want %d", cfg.LargeFileThreshold, 4<<20)
	}
}

func TestFromCmdFlagOverridesEnv(t *testing.T) {
	t.Setenv("SHARETHINGS_ADDR", ":9999")
	cmd := newTestCmd()
	if err := cmd.Flags().Set("addr", ":1234"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := config.FromCmd(cmd)
	if err != nil {
		t.Fatalf("FromCmd: %v", err)
	}
	if cfg.Addr != ":1234" {
		t.Errorf("Addr = %q, want %q (explicit flag should win over env)", cfg.Addr, ":1234")
	}
}

func TestFromCmdEnvOverridesDefault(t *testing.T) {
	t.Setenv("SHARETHINGS_SESSION_TIMEOUT", "2m")
	cmd := newTestCmd()

	cfg, err := config.FromCmd(cmd)
	if err != nil {
		t.Fatalf("FromCmd: %v", err)
	}
	if cfg.SessionTimeout != 2*time.Minute {
		t.Errorf("SessionTimeout = %v, want 2m", cfg.SessionTimeout)
	}
}

func TestFromCmdEnvParseError(t *testing.T) {
	t.Setenv("SHARETHINGS_MAX_ITEMS_PER_SESSION", "not-a-number")
	cmd := newTestCmd()

	if _, err := config.FromCmd(cmd); err == nil {
		t.Fatal("expected an error for a malformed env override")
	}
}
