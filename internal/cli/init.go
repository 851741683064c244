package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/policy"
	"github.com/ppiankov/dataguard/internal/systemd"
)

var (
	initMode    string
	initForce   bool
	initSystemd bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.dataguard) or system (/etc/dataguard)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	initCmd.Flags().BoolVar(&initSystemd, "systemd", false, "Also write a dataguard.service unit for the policy server")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap dataguard configuration",
	Long: `Creates the config directory with a commented config.yaml, the default
policy.yaml and the approval store directory.

User mode (default):  writes to ~/.dataguard/
System mode:          writes to /etc/dataguard/ (requires root)`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string

	pendingDir := filepath.Join(configDir, "pending")
	if err := os.MkdirAll(pendingDir, 0o700); err != nil {
		return fmt.Errorf("create approval directory: %w", err)
	}

	policyPath := filepath.Join(configDir, "policy.yaml")
	if wrote, err := writeIfMissing(policyPath, policy.DefaultSpecYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, policyPath)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if wrote, err := writeIfMissing(configPath, defaultConfigYAML(configDir)); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	var unitPath string
	if initSystemd {
		binary, err := os.Executable()
		if err != nil {
			binary = "/usr/local/bin/dataguard"
		}
		unitPath = filepath.Join(configDir, systemd.UnitName)
		if wrote, err := writeIfMissing(unitPath, systemd.ServerUnit(binary, configPath)); err != nil {
			return err
		} else if wrote {
			created = append(created, unitPath)
		}
	}

	fmt.Fprintln(stdout, "dataguard init complete.")
	fmt.Fprintln(stdout)
	if len(created) > 0 {
		fmt.Fprintln(stdout, "Created:")
		for _, path := range created {
			fmt.Fprintf(stdout, "  %s\n", path)
		}
		fmt.Fprintln(stdout)
	} else {
		fmt.Fprintln(stdout, "All files already exist (use --force to overwrite).")
		fmt.Fprintln(stdout)
	}

	fmt.Fprintln(stdout, "Verify:")
	fmt.Fprintln(stdout, "  dataguard doctor")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Start the policy server:")
	if unitPath != "" {
		fmt.Fprintf(stdout, "  sudo cp %s /etc/systemd/system/\n", unitPath)
		fmt.Fprintf(stdout, "  sudo systemctl enable --now %s\n", systemd.UnitName)
		return nil
	}
	fmt.Fprintf(stdout, "  dataguard serve --config %s\n", configPath)
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/dataguard", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".dataguard"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultConfigYAML renders a commented config.yaml rooted at dir.
func defaultConfigYAML(dir string) string {
	return fmt.Sprintf(`# dataguard configuration
# Generated by: dataguard init
# Every field can be overridden by a DATAGUARD_* environment variable.

listen: 127.0.0.1:9743
# metrics_addr: 127.0.0.1:9744   # serves /metrics and /healthz

policy: %s
watch_policy: true

# API keys: "key" (admin, default tenant) or "key:tenant:role", role admin|agent|viewer.
# No keys disables authentication.
api_keys: []

audit:
  log: %s
  # sqlite: %s
  # kafka:
  #   brokers: [localhost:9092]
  #   topic: dataguard.audit.v1
  #   tls: true
  #   sasl:
  #     mechanism: SCRAM-SHA-512
  #     username: dataguard
  #     password: ...

# llm:
#   provider: openai      # openai | anthropic
#   api_key: sk-...
#   model: gpt-4o-mini
#   blend: max            # max | weighted | llm
#   blend_weight: 0.5

rate_limit:
  backend: local          # local | redis
  per_minute: 0           # 0 disables
  # redis_addr: localhost:6379

approvals:
  dir: %s
  ttl: 24h
  retention: 1h

# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack       # generic | slack | pagerduty
#     events: [require_approval, deny, approval_expired]

logging:
  level: info
  format: json
`,
		filepath.Join(dir, "policy.yaml"),
		filepath.Join(dir, "audit.jsonl"),
		filepath.Join(dir, "audit.db"),
		filepath.Join(dir, "pending"))
}
