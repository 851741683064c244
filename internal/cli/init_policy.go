package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/policy"
)

var (
	initPolicyPath  string
	initPolicyForce bool
)

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().StringVar(&initPolicyPath, "path", "", "Where to write the policy (default ~/.dataguard/policy.yaml)")
	initPolicyCmd.Flags().BoolVar(&initPolicyForce, "force", false, "Overwrite an existing policy file")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate default policy.yaml with comments",
	Long:  "Writes the built-in policy with comments explaining every field.\nEdit this file to customize dataguard rules and risk thresholds.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := initPolicyPath
	if path == "" {
		path = policy.DefaultPath()
	}
	if path == "" {
		return fmt.Errorf("cannot determine home directory, pass --path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil && !initPolicyForce {
		return fmt.Errorf("policy already exists at %s", path)
	}

	if err := os.WriteFile(path, []byte(policy.DefaultSpecYAML()), 0644); err != nil {
		return fmt.Errorf("failed to write policy: %w", err)
	}

	fmt.Fprintf(stdout, "Created %s\n", path)
	return nil
}
