// Package systemd renders the unit file for running the policy server.
package systemd

import (
	"fmt"
	"path/filepath"
)

// UnitName is the file name of the policy server unit.
const UnitName = "dataguard.service"

// ServerUnit returns a systemd unit that runs "dataguard serve" with the
// given binary and config file.
func ServerUnit(binary, configPath string) string {
	return fmt.Sprintf(`[Unit]
Description=dataguard policy server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s serve --config %s
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=%s

[Install]
WantedBy=multi-user.target
`, binary, configPath, filepath.Dir(configPath))
}
