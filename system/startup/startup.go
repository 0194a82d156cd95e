package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thatsimonsguy/relay-controller/internal/config"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

// WriteStartupScript writes a script that drives every configured relay pin to its
// inactive level, so the board stays released between power-up and the controller start.
func WriteStartupScript(cfg model.DeviceConfig, path string) error {
	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# Relay GPIO levels at boot", "")

	for i := 0; i < cfg.RelayCount(); i++ {
		rc := cfg.Relays[i]
		display, _ := model.DecodeName(rc.Name)
		drive := "dl"
		if rc.ActiveLow {
			drive = "dh"
		}
		lines = append(lines, fmt.Sprintf("# relay %d: %s", i, display))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", rc.Pin, drive))
		lines = append(lines, "")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	contents := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(path, []byte(contents), 0755)
}

func InstallStartupService(svc config.Service) error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Release relay GPIO pins at boot
After=local-fs.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, svc.BootScript)

	return os.WriteFile(svc.GPIOUnit, []byte(unitContents), 0644)
}

// InstallControllerService writes the main unit. It restarts on every exit, which is
// how a factory reset takes effect.
func InstallControllerService(svc config.Service, configFile string) error {
	gpioUnitName := filepath.Base(svc.GPIOUnit)

	unit := fmt.Sprintf(`[Unit]
Description=WiFi relay controller
After=%s network-online.target
Wants=network-online.target
Requires=%s

[Service]
Type=simple
User=%s
ExecStart=%s -config-file %s
Restart=always
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, gpioUnitName, gpioUnitName, svc.User, svc.Binary, configFile)

	return os.WriteFile(svc.MainUnit, []byte(unit), 0644)
}

func RunStartupScript(path string) error {
	cmd := exec.Command("/bin/bash", path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
