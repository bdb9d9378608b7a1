package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"
)

const serviceLabel = "dev.allaspects.llmrelay"

// ServiceKind selects the init system a unit file is rendered for.
type ServiceKind string

const (
	ServiceLaunchd ServiceKind = "launchd"
	ServiceSystemd ServiceKind = "systemd"
)

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ProgramPath}}</string>
        <string>start</string>
        <string>--foreground</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.DataDir}}</string>
    <key>KeepAlive</key>
    <true/>
    <key>RunAtLoad</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.DataDir}}/llmrelay.out.log</string>
    <key>StandardErrorPath</key>
    <string>{{.DataDir}}/llmrelay.err.log</string>
    <key>ProcessType</key>
    <string>Background</string>
    <key>ThrottleInterval</key>
    <integer>5</integer>
</dict>
</plist>
`

const systemdTemplate = `[Unit]
Description=llmrelay LLM provider failover gateway
After=network-online.target

[Service]
ExecStart={{.ProgramPath}} start --foreground
WorkingDirectory={{.DataDir}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type unitData struct {
	Label       string
	ProgramPath string
	DataDir     string
}

// RenderService renders the unit file that runs programPath in the foreground
// with dataDir as its working directory.
func RenderService(kind ServiceKind, programPath, dataDir string) ([]byte, error) {
	var text string
	switch kind {
	case ServiceLaunchd:
		text = launchdTemplate
	case ServiceSystemd:
		text = systemdTemplate
	default:
		return nil, fmt.Errorf("unsupported service kind %q", kind)
	}

	tmpl, err := template.New(string(kind)).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing %s template: %w", kind, err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, unitData{Label: serviceLabel, ProgramPath: programPath, DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("rendering %s unit: %w", kind, err)
	}
	return buf.Bytes(), nil
}

// servicePath returns where the per-user unit for kind lives.
func servicePath(kind ServiceKind, home string) string {
	if kind == ServiceLaunchd {
		return filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist")
	}
	return filepath.Join(home, ".config", "systemd", "user", "llmrelay.service")
}

// InstallService writes a per-user unit for the current OS (launchd on macOS,
// systemd elsewhere) and loads it.
func InstallService(dataDir string) error {
	kind := ServiceSystemd
	if runtime.GOOS == "darwin" {
		kind = ServiceLaunchd
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("determining executable path: %w", err)
	}
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dataDir = expandHome(dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	unit, err := RenderService(kind, execPath, dataDir)
	if err != nil {
		return err
	}
	path := servicePath(kind, home)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, unit, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Service unit written to %s\n", path)

	var cmds [][]string
	if kind == ServiceLaunchd {
		cmds = [][]string{{"launchctl", "unload", path}, {"launchctl", "load", path}}
	} else {
		cmds = [][]string{{"systemctl", "--user", "daemon-reload"}, {"systemctl", "--user", "enable", "--now", "llmrelay.service"}}
	}
	for i, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		// The launchd unload fails harmlessly when nothing is loaded yet.
		if err := cmd.Run(); err != nil && !(kind == ServiceLaunchd && i == 0) {
			return fmt.Errorf("%s: %w", args[0], err)
		}
	}
	fmt.Printf("Service %s installed (%s)\n", serviceLabel, kind)
	return nil
}
