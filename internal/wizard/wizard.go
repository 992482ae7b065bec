// Package wizard provides an interactive setup wizard for udpturbo.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpturbo/internal/config"
	"github.com/postalsys/udpturbo/internal/sysinfo"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the forms collect. Fields are strings where the
// form input is free text.
type Answers struct {
	ConfigPath string

	DefaultType   string
	ReceiveBuffer string
	ReuseAddress  bool
	MaxSockets    string
	SendRate      string

	MulticastTTL       string
	MulticastLoopback  bool
	MulticastInterface string
	LockPlatform       string

	LogLevel       string
	HealthEnabled  bool
	HealthAddress  string
	HealthPassword string
	ControlEnabled bool
	SocketPath     string
}

// DefaultAnswers mirrors config.Default.
func DefaultAnswers() Answers {
	d := config.Default()
	return Answers{
		ConfigPath:         "./config.yaml",
		DefaultType:        d.Sockets.DefaultType,
		ReceiveBuffer:      strconv.FormatUint(uint64(d.Sockets.ReceiveBuffer), 10),
		ReuseAddress:       d.Sockets.ReuseAddress,
		MaxSockets:         strconv.Itoa(d.Sockets.MaxSockets),
		SendRate:           "0",
		MulticastTTL:       strconv.Itoa(d.Sockets.Multicast.TTL),
		MulticastLoopback:  d.Sockets.Multicast.Loopback,
		LockPlatform:       d.MulticastLock.Platform,
		LogLevel:           d.Daemon.LogLevel,
		HealthEnabled:      true,
		HealthAddress:      d.Health.Address,
		ControlEnabled:     true,
		SocketPath:         d.Control.SocketPath,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askSocketDefaults,
		w.askMulticast,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _       _              _
  _   _  __| |_ __ | |_ _   _ _ __| |__   ___
 | | | |/ _' | '_ \| __| | | | '__| '_ \ / _ \
 | |_| | (_| | |_) | |_| |_| | |  | |_) | (_) |
  \__,_|\__,_| .__/ \__|\__,_|_|  |_.__/ \___/
             |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Socket Manager - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where should the configuration be written?"),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askSocketDefaults(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Socket Defaults").
				Description("Applied to every socket created through the daemon."),

			huh.NewSelect[string]().
				Title("Default Socket Type").
				Options(
					huh.NewOption("IPv4 (udp4)", "udp4"),
					huh.NewOption("IPv6 (udp6)", "udp6"),
				).
				Value(&a.DefaultType),

			huh.NewInput().
				Title("Receive Buffer").
				Description("Largest datagram returned by one receive (e.g. 65535, 16KiB)").
				Value(&a.ReceiveBuffer).
				Validate(validateSize),

			huh.NewConfirm().
				Title("Reuse address on bind?").
				Description("Sets SO_REUSEADDR so several processes can share a port").
				Value(&a.ReuseAddress),

			huh.NewInput().
				Title("Maximum Sockets").
				Description("0 for unlimited").
				Value(&a.MaxSockets).
				Validate(validateNonNegativeInt),

			huh.NewInput().
				Title("Send Rate").
				Description("Datagrams per second per socket, 0 for unlimited").
				Value(&a.SendRate).
				Validate(validateNonNegativeFloat),
		),
	).WithTheme(w.theme).Run()
}

func (w *Wizard) askMulticast(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Multicast").
				Description("Options applied when a socket joins a multicast group."),

			huh.NewInput().
				Title("Multicast TTL").
				Value(&a.MulticastTTL).
				Validate(validateTTL),

			huh.NewConfirm().
				Title("Loop back own multicast datagrams?").
				Value(&a.MulticastLoopback),

			huh.NewSelect[string]().
				Title("Multicast Interface").
				Description("Interface used for group membership").
				Options(interfaceOptions(sysinfo.MulticastInterfaces(), a.MulticastInterface)...).
				Value(&a.MulticastInterface),

			huh.NewSelect[string]().
				Title("Multicast Lock").
				Description("How the multicast wake lock is held").
				Options(
					huh.NewOption("Log lock transitions", "log"),
					huh.NewOption("None", "none"),
				).
				Value(&a.LockPlatform),
		),
	).WithTheme(w.theme).Run()
}

// interfaceOptions lists the detected interfaces after the default choice.
// A configured name that was not detected is kept selectable.
func interfaceOptions(names []string, current string) []huh.Option[string] {
	opts := []huh.Option[string]{huh.NewOption("Bound address's interface (default)", "")}
	found := current == ""
	for _, name := range names {
		opts = append(opts, huh.NewOption(name, name))
		if name == current {
			found = true
		}
	}
	if !found {
		opts = append(opts, huh.NewOption(current, current))
	}
	return opts
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring, control and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewInput().
				Title("Health Address").
				Value(&a.HealthAddress).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Metrics Password").
				Description("Basic auth for /metrics and pprof, empty to leave open").
				EchoMode(huh.EchoModePassword).
				Value(&a.HealthPassword),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (sockets, send, recv)").
				Value(&a.ControlEnabled),

			huh.NewInput().
				Title("Control Socket Path").
				Value(&a.SocketPath),
		),
	).WithTheme(w.theme).Run()
}

// BuildConfig turns answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	buffer, err := humanize.ParseBytes(a.ReceiveBuffer)
	if err != nil {
		return nil, fmt.Errorf("receive buffer: %w", err)
	}
	maxSockets, err := strconv.Atoi(strings.TrimSpace(a.MaxSockets))
	if err != nil {
		return nil, fmt.Errorf("maximum sockets: %w", err)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(a.SendRate), 64)
	if err != nil {
		return nil, fmt.Errorf("send rate: %w", err)
	}
	ttl, err := strconv.Atoi(strings.TrimSpace(a.MulticastTTL))
	if err != nil {
		return nil, fmt.Errorf("multicast ttl: %w", err)
	}

	cfg.Daemon.LogLevel = a.LogLevel
	cfg.Sockets.DefaultType = a.DefaultType
	cfg.Sockets.ReceiveBuffer = config.ByteSize(buffer)
	cfg.Sockets.ReuseAddress = a.ReuseAddress
	cfg.Sockets.MaxSockets = maxSockets
	cfg.Sockets.SendRate = rate
	if rate > 0 && cfg.Sockets.SendBurst < 1 {
		cfg.Sockets.SendBurst = 1
	}
	cfg.Sockets.Multicast.TTL = ttl
	cfg.Sockets.Multicast.Loopback = a.MulticastLoopback
	cfg.Sockets.Multicast.Interface = strings.TrimSpace(a.MulticastInterface)
	cfg.MulticastLock.Platform = a.LockPlatform
	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}
	if a.HealthPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(a.HealthPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("metrics password: %w", err)
		}
		cfg.Health.Username = "udpturbo"
		cfg.Health.PasswordHash = string(hash)
	}
	cfg.Control.Enabled = a.ControlEnabled
	if a.SocketPath != "" {
		cfg.Control.SocketPath = a.SocketPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udpturbo configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:     %s\n", configPath)
	fmt.Printf("  Socket type:     %s\n", cfg.Sockets.DefaultType)
	fmt.Printf("  Receive buffer:  %s\n", cfg.Sockets.ReceiveBuffer)
	fmt.Printf("  Multicast lock:  %s\n", cfg.MulticastLock.Platform)

	if cfg.Control.Enabled {
		fmt.Printf("  Control socket:  %s\n", cfg.Control.SocketPath)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:          http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the daemon:")
	fmt.Printf("    udpturbo run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateSize(s string) error {
	if _, err := humanize.ParseBytes(s); err != nil {
		return fmt.Errorf("invalid size (use e.g. 65535 or 16KiB)")
	}
	return nil
}

func validateNonNegativeInt(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return fmt.Errorf("enter a whole number, 0 or more")
	}
	return nil
}

func validateNonNegativeFloat(s string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return fmt.Errorf("enter a number, 0 or more")
	}
	return nil
}

func validateTTL(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 255 {
		return fmt.Errorf("TTL must be between 0 and 255")
	}
	return nil
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}
