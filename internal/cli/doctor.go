package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/audit"
	"github.com/ppiankov/dataguard/internal/config"
	"github.com/ppiankov/dataguard/internal/policy"
	"github.com/ppiankov/dataguard/internal/rewrite"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and diagnose issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	checks := doctorChecks()

	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(stdout, line)
	}

	if hasFailures {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "All checks passed.")
	return nil
}

func doctorChecks() []checkResult {
	var checks []checkResult

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := loadConfig()
	switch {
	case err != nil:
		return append(checks, checkResult{label: "config", detail: err.Error(), fix: "fix " + cfgPath})
	case fileExists(cfgPath):
		checks = append(checks, checkResult{label: "config", ok: true, detail: cfgPath})
	default:
		checks = append(checks, checkResult{label: "config", ok: true, detail: "defaults (no " + cfgPath + ")"})
	}

	policyPath := cfg.PolicyPath
	if policyPath == "" {
		policyPath = policy.DefaultPath()
	}
	checks = append(checks, checkPolicy(policyPath))

	keys, err := cfg.Keys()
	switch {
	case err != nil:
		checks = append(checks, checkResult{label: "api keys", detail: err.Error()})
	case len(keys) == 0:
		checks = append(checks, checkResult{label: "api keys", ok: true, detail: "none (authentication disabled)"})
	default:
		checks = append(checks, checkResult{label: "api keys", ok: true, detail: fmt.Sprintf("%d configured", len(keys))})
	}

	if cfg.Audit.LogPath != "" {
		checks = append(checks, checkAuditLog(cfg.Audit.LogPath))
	}

	if cfg.Approvals.Dir != "" {
		checks = append(checks, checkWritableDir("approval store", cfg.Approvals.Dir))
	}

	if cfg.LLM.Enabled() {
		checks = append(checks, checkResult{label: "llm scorer", ok: true, detail: strings.TrimSuffix(cfg.LLM.Provider+" "+cfg.LLM.Model, " ")})
	} else {
		checks = append(checks, checkResult{label: "llm scorer", ok: true, detail: "disabled (heuristic only)"})
	}

	return checks
}

func checkPolicy(path string) checkResult {
	if !fileExists(path) {
		return checkResult{label: "policy", ok: true, detail: "built-in (no " + path + ")"}
	}
	spec, err := readPolicy(path)
	if err == nil {
		err = spec.Validate(rewrite.NewDefaultRegistry())
	}
	if err != nil {
		return checkResult{label: "policy", detail: err.Error(), fix: "dataguard policy validate " + path}
	}
	return checkResult{label: "policy", ok: true, detail: fmt.Sprintf("%s v%d, %d rules", spec.PolicyID, spec.Version, len(spec.Rules))}
}

func checkAuditLog(path string) checkResult {
	if !fileExists(path) {
		return checkResult{label: "audit log", ok: true, detail: "not yet created"}
	}
	r := audit.Verify(path)
	if !r.Valid {
		return checkResult{label: "audit log", detail: fmt.Sprintf("chain broken at line %d: %s", r.ErrorLine, r.Error)}
	}
	return checkResult{label: "audit log", ok: true, detail: fmt.Sprintf("%d entries verified", r.Lines)}
}

func checkWritableDir(label, dir string) checkResult {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return checkResult{label: label, detail: err.Error()}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return checkResult{label: label, detail: "not writable: " + err.Error()}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return checkResult{label: label, ok: true, detail: filepath.Clean(dir)}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
