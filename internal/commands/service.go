package commands

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/claraverse/tabrelay/internal/config"
	"github.com/spf13/cobra"
)

var ServiceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage tabrelay as a background service",
	Long: `Manage the agent (or the server) as a user service that starts on login.

Subcommands:
  install   - Install the service
  uninstall - Remove the service
  status    - Check service status
  start     - Start the service
  stop      - Stop the service

Use --role serve to manage 'tabrelay serve' instead of the agent.`,
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the background service",
	RunE:  runServiceInstall,
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the background service",
	RunE:  runServiceUninstall,
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check service status",
	RunE:  runServiceStatus,
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service",
	RunE:  runServiceStart,
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the service",
	RunE:  runServiceStop,
}

func init() {
	ServiceCmd.PersistentFlags().String("role", "agent", "Which command the service runs: agent or serve")
	ServiceCmd.AddCommand(serviceInstallCmd)
	ServiceCmd.AddCommand(serviceUninstallCmd)
	ServiceCmd.AddCommand(serviceStatusCmd)
	ServiceCmd.AddCommand(serviceStartCmd)
	ServiceCmd.AddCommand(serviceStopCmd)
}

// macOS launchd plist template
const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>{{.Role}}</string>
        <string>--config-dir={{.ConfigDir}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/{{.Role}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/{{.Role}}.error.log</string>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
</dict>
</plist>
`

// Linux systemd service template
const systemdServiceTemplate = `[Unit]
Description=tabrelay {{.Role}}
After=network.target

[Service]
Type=simple
ExecStart={{.ExecutablePath}} {{.Role}} --config-dir={{.ConfigDir}}
Restart=always
RestartSec=10
WorkingDirectory={{.WorkingDir}}
StandardOutput=append:{{.LogPath}}/{{.Role}}.log
StandardError=append:{{.LogPath}}/{{.Role}}.error.log

[Install]
WantedBy=default.target
`

type serviceConfig struct {
	Role           string
	Label          string
	Unit           string
	ExecutablePath string
	ConfigDir      string
	LogPath        string
	WorkingDir     string
}

func serviceRole(cmd *cobra.Command) (string, error) {
	role, _ := cmd.Flags().GetString("role")
	switch role {
	case "agent", "serve":
		return role, nil
	}
	return "", fmt.Errorf("unknown service role %q (want agent or serve)", role)
}

func newServiceConfig(role, execPath, home string) *serviceConfig {
	configDir := config.GetConfigDir()
	return &serviceConfig{
		Role:           role,
		Label:          "dev.tabrelay." + role,
		Unit:           "tabrelay-" + role + ".service",
		ExecutablePath: execPath,
		ConfigDir:      configDir,
		LogPath:        filepath.Join(configDir, "logs"),
		WorkingDir:     home,
	}
}

func getServiceConfig(cmd *cobra.Command) (*serviceConfig, error) {
	role, err := serviceRole(cmd)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		config.SetDir(dir)
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	// Resolve symlinks
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable path: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return newServiceConfig(role, execPath, home), nil
}

func renderUnit(name, text string, cfg *serviceConfig) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func (c *serviceConfig) launchdPlistPath() string {
	return filepath.Join(c.WorkingDir, "Library", "LaunchAgents", c.Label+".plist")
}

func (c *serviceConfig) systemdServicePath() string {
	return filepath.Join(c.WorkingDir, ".config", "systemd", "user", c.Unit)
}

func (c *serviceConfig) unitPath() string {
	if runtime.GOOS == "darwin" {
		return c.launchdPlistPath()
	}
	return c.systemdServicePath()
}

func run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	cfg, err := getServiceConfig(cmd)
	if err != nil {
		return err
	}

	var name, text string
	switch runtime.GOOS {
	case "darwin":
		name, text = "plist", launchdPlistTemplate
	case "linux":
		name, text = "service", systemdServiceTemplate
	default:
		return fmt.Errorf("service installation not supported on %s", runtime.GOOS)
	}

	data, err := renderUnit(name, text, cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.LogPath, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	path := cfg.unitPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	if runtime.GOOS == "darwin" {
		if output, err := run("launchctl", "load", path); err != nil {
			return fmt.Errorf("failed to load service: %s", string(output))
		}
	} else {
		if output, err := run("systemctl", "--user", "daemon-reload"); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", string(output))
		}
		if output, err := run("systemctl", "--user", "enable", "--now", cfg.Unit); err != nil {
			return fmt.Errorf("failed to enable service: %s", string(output))
		}
	}

	fmt.Printf("Service %s installed\n", cfg.Role)
	fmt.Printf("   Location: %s\n", path)
	fmt.Printf("   Logs:     %s/%s.log\n", cfg.LogPath, cfg.Role)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	cfg, err := getServiceConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.unitPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("Service is not installed.")
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		run("launchctl", "unload", path) // Ignore errors if not loaded
	case "linux":
		run("systemctl", "--user", "disable", "--now", cfg.Unit)
	default:
		return fmt.Errorf("service uninstall not supported on %s", runtime.GOOS)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	if runtime.GOOS == "linux" {
		run("systemctl", "--user", "daemon-reload")
	}

	fmt.Println("Service uninstalled")
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	cfg, err := getServiceConfig(cmd)
	if err != nil {
		return err
	}
	path := cfg.unitPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("Service Status: Not installed")
		fmt.Printf("   Install with: tabrelay service install --role %s\n", cfg.Role)
		return nil
	}

	switch runtime.GOOS {
	case "darwin":
		output, err := run("launchctl", "list", cfg.Label)
		if err != nil {
			fmt.Println("Service Status: Installed but not running")
		} else {
			fmt.Println("Service Status: Running")
			fmt.Println(string(output))
		}
	case "linux":
		output, _ := run("systemctl", "--user", "status", cfg.Unit)
		fmt.Println("Service Status:")
		fmt.Println(string(output))
	default:
		return fmt.Errorf("service status not supported on %s", runtime.GOOS)
	}
	fmt.Printf("   Location: %s\n", path)
	return nil
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	return serviceControl(cmd, "start")
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	return serviceControl(cmd, "stop")
}

func serviceControl(cmd *cobra.Command, action string) error {
	cfg, err := getServiceConfig(cmd)
	if err != nil {
		return err
	}

	var output []byte
	switch runtime.GOOS {
	case "darwin":
		verb := "load"
		if action == "stop" {
			verb = "unload"
		}
		output, err = run("launchctl", verb, cfg.launchdPlistPath())
	case "linux":
		output, err = run("systemctl", "--user", action, cfg.Unit)
	default:
		return fmt.Errorf("service %s not supported on %s", action, runtime.GOOS)
	}
	if err != nil {
		return fmt.Errorf("failed to %s service: %s", action, string(output))
	}
	fmt.Printf("Service %s: %s done\n", cfg.Role, action)
	return nil
}
