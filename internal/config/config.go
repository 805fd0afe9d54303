// Package config parses the server's tunables once at startup into an
// immutable Config, which is then injected into every component — no
// package-level globals, per the teacher's internal/logging doc comment
// philosophy applied repo-wide (spec §6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Config holds every tunable of the relay server. Zero value is never used
// directly; build one with FromCmd.
type Config struct {
	Addr string

	Home string

	SessionTimeout     time.Duration
	MaxItemsPerSession int
	LargeFileThreshold uint64

	MaxFrameSize      int64
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CORSOrigin        string

	TLSCertFile string
	TLSKeyFile  string

	PprofAddr string
}

// RegisterFlags adds every flag FromCmd reads, with the defaults spec §6
// names. cmd is expected to be the "serve" command (or root, if the CLI has
// no subcommands).
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("addr", ":4576", "listen address (host:port)")
	flags.String("home", "", "home directory (default: platform config dir)")
	flags.Duration("session-timeout", 10*time.Minute, "inactivity timeout before a session is evicted")
	flags.Int("max-items-per-session", 200, "maximum content items retained per session")
	flags.Uint64("large-file-threshold", 4<<20, "chunk payload size, in bytes, above which chunk broadcast is suppressed")
	flags.Int64("max-frame-size", 100<<20, "maximum websocket frame size, in bytes")
	flags.Duration("heartbeat-interval", 25*time.Second, "websocket ping interval")
	flags.Duration("heartbeat-timeout", 60*time.Second, "websocket pong/read deadline")
	flags.String("cors-origin", "", "allowed websocket origin (empty or \"*\" allows any)")
	flags.String("tls-cert-file", "", "TLS certificate PEM file (enables HTTPS; reloaded automatically on change)")
	flags.String("tls-key-file", "", "TLS private key PEM file (enables HTTPS; reloaded automatically on change)")
	flags.String("pprof", "", "pprof HTTP server address (e.g. localhost:6060); leave empty to disable")
}

// FromCmd reads every registered flag off cmd, falling back to the
// corresponding SHARETHINGS_<NAME> environment variable for any flag the
// caller didn't explicitly set, and finally to the flag's own default.
func FromCmd(cmd *cobra.Command) (Config, error) {
	var cfg Config
	var err error

	if cfg.Addr, err = stringValue(cmd, "addr", "SHARETHINGS_ADDR"); err != nil {
		return Config{}, err
	}
	if cfg.Home, err = stringValue(cmd, "home", "SHARETHINGS_HOME"); err != nil {
		return Config{}, err
	}
	if cfg.SessionTimeout, err = durationValue(cmd, "session-timeout", "SHARETHINGS_SESSION_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.MaxItemsPerSession, err = intValue(cmd, "max-items-per-session", "SHARETHINGS_MAX_ITEMS_PER_SESSION"); err != nil {
		return Config{}, err
	}
	if cfg.LargeFileThreshold, err = uint64Value(cmd, "large-file-threshold", "SHARETHINGS_LARGE_FILE_THRESHOLD"); err != nil {
		return Config{}, err
	}
	if cfg.MaxFrameSize, err = int64Value(cmd, "max-frame-size", "SHARETHINGS_MAX_FRAME_SIZE"); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationValue(cmd, "heartbeat-interval", "SHARETHINGS_HEARTBEAT_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatTimeout, err = durationValue(cmd, "heartbeat-timeout", "SHARETHINGS_HEARTBEAT_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.CORSOrigin, err = stringValue(cmd, "cors-origin", "SHARETHINGS_CORS_ORIGIN"); err != nil {
		return Config{}, err
	}
	if cfg.TLSCertFile, err = stringValue(cmd, "tls-cert-file", "SHARETHINGS_TLS_CERT_FILE"); err != nil {
		return Config{}, err
	}
	if cfg.TLSKeyFile, err = stringValue(cmd, "tls-key-file", "SHARETHINGS_TLS_KEY_FILE"); err != nil {
		return Config{}, err
	}
	if cfg.PprofAddr, err = stringValue(cmd, "pprof", "SHARETHINGS_PPROF"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// envOverride returns the flag's current value unless the flag was left at
// its default AND the environment variable is set, in which case the
// environment variable wins.
func envOverride(cmd *cobra.Command, flagName, envName string) (string, bool) {
	if cmd.Flags().Changed(flagName) {
		return "", false
	}
	v, ok := os.LookupEnv(envName)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func stringValue(cmd *cobra.Command, flagName, envName string) (string, error) {
	if v, ok := envOverride(cmd, flagName, envName); ok {
		return v, nil
	}
	return cmd.Flags().GetString(flagName)
}

func intValue(cmd *cobra.Command, flagName, envName string) (int, error) {
	if v, ok := envOverride(cmd, flagName, envName); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", envName, err)
		}
		return n, nil
	}
	return cmd.Flags().GetInt(flagName)
}

func uint64Value(cmd *cobra.Command, flagName, envName string) (uint64, error) {
	if v, ok := envOverride(cmd, flagName, envName); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", envName, err)
		}
		return n, nil
	}
	return cmd.Flags().GetUint64(flagName)
}

func int64Value(cmd *cobra.Command, flagName, envName string) (int64, error) {
	if v, ok := envOverride(cmd, flagName, envName); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", envName, err)
		}
		return n, nil
	}
	return cmd.Flags().GetInt64(flagName)
}

func durationValue(cmd *cobra.Command, flagName, envName string) (time.Duration, error) {
	if v, ok := envOverride(cmd, flagName, envName); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", envName, err)
		}
		return d, nil
	}
	return cmd.Flags().GetDuration(flagName)
}
