package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dataguard/internal/client"
)

var (
	remoteServer  string
	remoteAPIKey  string
	remoteTimeout time.Duration
)

// addRemoteFlags registers the flags shared by commands that talk to a server.
func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&remoteServer, "server", "", "Policy server address (default: listen address from config)")
	cmd.Flags().StringVar(&remoteAPIKey, "api-key", "", "API key (default $DATAGUARD_API_KEY)")
	cmd.Flags().DurationVar(&remoteTimeout, "timeout", client.DefaultTimeout, "Per-call timeout")
}

// dialServer connects to the policy server named by flags or config.
func dialServer() (*client.Client, error) {
	addr := remoteServer
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Listen
	}
	key := remoteAPIKey
	if key == "" {
		key = os.Getenv("DATAGUARD_API_KEY")
	}
	return client.New(addr, client.WithAPIKey(key), client.WithTimeout(remoteTimeout))
}
