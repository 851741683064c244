package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the dataguard release, overridden at build time with -ldflags.
var Version = "0.4.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := map[string]string{
			"version": Version,
			"name":    "dataguard",
		}
		out, _ := json.MarshalIndent(info, "", "  ")
		fmt.Fprintln(stdout, string(out))
	},
}
