package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/policy"
	"github.com/ppiankov/dataguard/internal/policydiff"
	"github.com/ppiankov/dataguard/internal/rewrite"
)

var (
	policyRemote bool
	diffFormat   string
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd, policyValidateCmd, policyDiffCmd, policyPushCmd)
	policyShowCmd.Flags().BoolVar(&policyRemote, "remote", false, "Show the server's active policy instead of the local file")
	addRemoteFlags(policyShowCmd)
	addRemoteFlags(policyPushCmd)
	policyDiffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect, validate and publish policies",
}

var policyShowCmd = &cobra.Command{
	Use:   "show [policy.yaml]",
	Short: "Print a policy and its hash",
	Long:  "Prints the local policy file (default from config) or, with --remote,\nthe server's active policy.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyShow,
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <policy.yaml>",
	Short: "Validate a policy file against the built-in rewrites",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

var policyDiffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two policy files and show changes",
	Long:  "Loads two policy files and shows what changed in human-readable terms:\nthresholds, rules added, removed, changed or moved.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyDiff,
}

var policyPushCmd = &cobra.Command{
	Use:   "push <policy.yaml>",
	Short: "Replace the server's active policy",
	Long:  "Uploads a policy file to the server. An invalid policy is rejected and\nthe active policy stays in place.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyPush,
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	var (
		spec *policy.Spec
		hash string
		err  error
	)
	if policyRemote {
		c, err := dialServer()
		if err != nil {
			return err
		}
		defer c.Close()
		if spec, hash, err = c.Policy(context.Background()); err != nil {
			return err
		}
	} else {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.PolicyPath
		}
		if spec, hash, err = policy.LoadWithHash(path); err != nil {
			return err
		}
	}

	data, err := policy.Marshal(spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "# hash: %s\n", hash)
	fmt.Fprint(stdout, string(data))
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	spec, err := readPolicy(args[0])
	if err != nil {
		return err
	}
	if err := spec.Validate(rewrite.NewDefaultRegistry()); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "OK: %s v%d, %d rules\n", spec.PolicyID, spec.Version, len(spec.Rules))
	return nil
}

func runPolicyDiff(cmd *cobra.Command, args []string) error {
	oldSpec, err := readPolicy(args[0])
	if err != nil {
		return fmt.Errorf("load old policy: %w", err)
	}
	newSpec, err := readPolicy(args[1])
	if err != nil {
		return fmt.Errorf("load new policy: %w", err)
	}

	result := policydiff.Diff(oldSpec, newSpec)
	result.OldPath = args[0]
	result.NewPath = args[1]

	switch diffFormat {
	case "json":
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, out)
	default:
		fmt.Fprint(stdout, policydiff.FormatText(result))
	}
	return nil
}

func runPolicyPush(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}

	c, err := dialServer()
	if err != nil {
		return err
	}
	defer c.Close()

	spec, hash, err := c.ReplacePolicy(context.Background(), data)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Active policy: %s v%d (%s)\n", spec.PolicyID, spec.Version, hash)
	return nil
}

// readPolicy parses an existing policy file. Unlike policy.Load, a missing
// file is an error.
func readPolicy(path string) (*policy.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return policy.Parse(data)
}
