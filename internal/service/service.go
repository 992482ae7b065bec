// Package service installs the udpturbo daemon as a systemd unit on Linux.
package service

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const systemdUnitPath = "/etc/systemd/system"

// Config holds configuration for installing the service.
type Config struct {
	// Name is the systemd unit name without the .service suffix
	Name string

	// Description is the unit description
	Description string

	// ConfigPath is the absolute path to the config file
	ConfigPath string

	// WorkingDir is the working directory and the only writable path
	WorkingDir string

	// User and Group run the daemon (empty for root)
	User  string
	Group string

	// BindLowPorts grants CAP_NET_BIND_SERVICE for ports below 1024
	BindLowPorts bool
}

// DefaultConfig returns a default service configuration.
func DefaultConfig(configPath string) Config {
	absPath, _ := filepath.Abs(configPath)

	return Config{
		Name:        "udpturbo",
		Description: "udpturbo UDP socket manager",
		ConfigPath:  absPath,
		WorkingDir:  filepath.Dir(absPath),
	}
}

// Manager drives systemd. UnitDir and Run are replaceable for tests.
type Manager struct {
	UnitDir string
	Run     func(name string, args ...string) (string, error)
	Out     io.Writer
}

// NewManager returns a Manager for the system unit directory.
func NewManager() *Manager {
	return &Manager{
		UnitDir: systemdUnitPath,
		Run:     runCommand,
		Out:     os.Stdout,
	}
}

// IsSupported returns true if service installation is supported on this platform.
func IsSupported() bool {
	return runtime.GOOS == "linux"
}

// IsRoot returns true if the current process runs as root.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// Install installs the running executable as a systemd service.
func Install(cfg Config) error {
	if !IsSupported() {
		return fmt.Errorf("service installation is not supported on %s", runtime.GOOS)
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return NewManager().Install(cfg, execPath)
}

// Uninstall stops and removes the service.
func Uninstall(name string) error {
	if !IsSupported() {
		return fmt.Errorf("service uninstallation is not supported on %s", runtime.GOOS)
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}
	return NewManager().Uninstall(name)
}

// Status returns the systemd activity state of the service.
func Status(name string) (string, error) {
	if !IsSupported() {
		return "", fmt.Errorf("service status is not supported on %s", runtime.GOOS)
	}
	return NewManager().Status(name)
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.UnitDir, name+".service")
}

func (m *Manager) printf(format string, args ...any) {
	if m.Out != nil {
		fmt.Fprintf(m.Out, format, args...)
	}
}

// IsInstalled checks if the unit file exists.
func (m *Manager) IsInstalled(name string) bool {
	_, err := os.Stat(m.unitPath(name))
	return err == nil
}

// Install writes, enables and starts the unit.
func (m *Manager) Install(cfg Config, execPath string) error {
	if cfg.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if cfg.ConfigPath == "" || !filepath.IsAbs(cfg.ConfigPath) {
		return fmt.Errorf("config path must be absolute: %q", cfg.ConfigPath)
	}

	unitPath := m.unitPath(cfg.Name)
	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, unitPath)
	}

	if err := os.WriteFile(unitPath, []byte(GenerateUnit(cfg, execPath)), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	m.printf("Created systemd unit: %s\n", unitPath)

	if output, err := m.Run("systemctl", "daemon-reload"); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("failed to reload systemd: %s: %w", strings.TrimSpace(output), err)
	}

	if output, err := m.Run("systemctl", "enable", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", strings.TrimSpace(output), err)
	}
	m.printf("Enabled service: %s\n", cfg.Name)

	if output, err := m.Run("systemctl", "start", cfg.Name); err != nil {
		return fmt.Errorf("failed to start service: %s: %w", strings.TrimSpace(output), err)
	}
	m.printf("Started service: %s\n", cfg.Name)

	return nil
}

// Uninstall stops, disables and removes the unit. Stop and disable failures
// are reported but do not abort the removal.
func (m *Manager) Uninstall(name string) error {
	unitPath := m.unitPath(name)
	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	if output, err := m.Run("systemctl", "stop", name); err != nil {
		if !strings.Contains(output, "not loaded") {
			m.printf("Note: could not stop service: %s\n", strings.TrimSpace(output))
		}
	} else {
		m.printf("Stopped service: %s\n", name)
	}

	if output, err := m.Run("systemctl", "disable", name); err != nil {
		if !strings.Contains(output, "not loaded") {
			m.printf("Note: could not disable service: %s\n", strings.TrimSpace(output))
		}
	} else {
		m.printf("Disabled service: %s\n", name)
	}

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	m.printf("Removed systemd unit: %s\n", unitPath)

	if _, err := m.Run("systemctl", "daemon-reload"); err != nil {
		m.printf("Note: failed to reload systemd daemon\n")
	}
	m.Run("systemctl", "reset-failed", name)

	return nil
}

// Status returns the output of systemctl is-active. Inactive and unknown
// units are reported without error.
func (m *Manager) Status(name string) (string, error) {
	output, err := m.Run("systemctl", "is-active", name)
	status := strings.TrimSpace(output)

	if err != nil {
		if status == "inactive" || status == "unknown" || status == "failed" {
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}
	return status, nil
}

// GenerateUnit renders the systemd unit file.
func GenerateUnit(cfg Config, execPath string) string {
	var extra strings.Builder
	if cfg.User != "" {
		fmt.Fprintf(&extra, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&extra, "Group=%s\n", cfg.Group)
	}
	if cfg.BindLowPorts {
		extra.WriteString("AmbientCapabilities=CAP_NET_BIND_SERVICE\n")
		extra.WriteString("CapabilityBoundingSet=CAP_NET_BIND_SERVICE\n")
	}

	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run -c %s
WorkingDirectory=%s
%sRestart=on-failure
RestartSec=5
TimeoutStopSec=30

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
ReadWritePaths=%s

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.Description, execPath, cfg.ConfigPath, cfg.WorkingDir, extra.String(), cfg.WorkingDir, cfg.Name)
}

// runCommand executes a command and returns combined output.
func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
