// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/talksim/orchestrator/internal/config"
	"github.com/talksim/orchestrator/internal/log"
)

// PerformStartupChecks validates the environment before the daemon
// starts serving: the agent log directory must be writable and the
// agent binary must resolve. Failing fast here beats discovering the
// problem on the first spawn.
func PerformStartupChecks(cfg *config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkAgentLogDir(logger, cfg.AgentLogDir); err != nil {
		return fmt.Errorf("agent log directory check failed: %w", err)
	}
	if err := checkAgentBin(logger, cfg.AgentBin); err != nil {
		return fmt.Errorf("agent binary check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

// checkAgentLogDir creates the directory when missing, then proves it
// is writable with a throwaway file.
func checkAgentLogDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	_ = os.Remove(testFile)

	logger.Debug().Str("path", path).Msg("agent log directory writable")
	return nil
}

// checkAgentBin resolves relative names via PATH, absolute and
// relative paths via Stat.
func checkAgentBin(logger zerolog.Logger, bin string) error {
	if bin == "" {
		return fmt.Errorf("agent binary not configured")
	}

	if !strings.ContainsRune(bin, os.PathSeparator) {
		resolved, err := exec.LookPath(bin)
		if err != nil {
			return fmt.Errorf("%s not found in PATH: %w", bin, err)
		}
		logger.Debug().Str("bin", resolved).Msg("agent binary resolved")
		return nil
	}

	info, err := os.Stat(bin)
	if err != nil {
		return fmt.Errorf("cannot stat %s: %w", bin, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not an executable", bin)
	}

	logger.Debug().Str("bin", bin).Msg("agent binary resolved")
	return nil
}
