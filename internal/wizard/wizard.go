// Package wizard provides an interactive setup wizard for zctun's server
// and client daemons, producing a properties config file ready to pass to
// `zctun-server run -c` or `zctun-client run -c`.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/zcmesh/zctun/internal/config"
	"github.com/zcmesh/zctun/internal/idgen"
)

var bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1)

func printBanner(title, subtitle string) {
	fmt.Println(bannerStyle.Render(title))
	fmt.Println(subtitle)
	fmt.Println()
}

// ServerResult is the outcome of RunServer.
type ServerResult struct {
	Config     *config.ServerConfig
	ConfigPath string
}

// RunServer interactively builds and writes a server config file.
func RunServer() (*ServerResult, error) {
	printBanner("zctun server setup", "Configure the publicly reachable relay daemon.")

	cfg := config.DefaultServerConfig()
	configPath := "./zctun-server.conf"
	generatePassword := true
	port := strconv.Itoa(cfg.Port)
	socksPort := strconv.Itoa(cfg.SOCKSPort)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Config file path").Value(&configPath),
			huh.NewInput().Title("Control/data bind address").Value(&cfg.Bind),
			huh.NewInput().Title("Control/data port").Value(&port).Validate(validPort),
			huh.NewInput().Title("SOCKS5 bind address").Value(&cfg.SOCKSBind),
			huh.NewInput().Title("SOCKS5 port").Value(&socksPort).Validate(validPort),
			huh.NewConfirm().Title("Generate a random SOCKS5 shared password?").Value(&generatePassword),
			huh.NewSelect[string]().Title("Log level").Options(
				huh.NewOption("info", "info"),
				huh.NewOption("debug", "debug"),
				huh.NewOption("warn", "warn"),
				huh.NewOption("error", "error"),
			).Value(&cfg.LogLevel),
		),
	)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("wizard: %w", err)
	}
	cfg.Port, _ = strconv.Atoi(port)
	cfg.SOCKSPort, _ = strconv.Atoi(socksPort)

	if generatePassword {
		password, err := idgen.NewClientKey()
		if err != nil {
			return nil, fmt.Errorf("wizard: generate password: %w", err)
		}
		cfg.SOCKSPassword = password
	} else {
		passwordForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("SOCKS5 shared password").Value(&cfg.SOCKSPassword).EchoMode(huh.EchoModePassword),
		))
		if err := passwordForm.Run(); err != nil {
			return nil, fmt.Errorf("wizard: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfigFile(configPath, func() error { return config.WriteServerConfig(cfg, configPath) }); err != nil {
		return nil, err
	}

	printServerSummary(cfg, configPath)
	return &ServerResult{Config: cfg, ConfigPath: configPath}, nil
}

// ClientResult is the outcome of RunClient.
type ClientResult struct {
	Config     *config.ClientConfig
	ConfigPath string
}

// RunClient interactively builds and writes a client config file.
func RunClient() (*ClientResult, error) {
	printBanner("zctun client setup", "Configure the daemon that dials out from inside the private network.")

	cfg := config.DefaultClientConfig()
	configPath := "./zctun-client.conf"
	generateKey := true
	port := strconv.Itoa(cfg.ServerPort)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Config file path").Value(&configPath),
			huh.NewInput().Title("Server host").Value(&cfg.ServerHost).Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("server host is required")
				}
				return nil
			}),
			huh.NewInput().Title("Server port").Value(&port).Validate(validPort),
			huh.NewConfirm().Title("Generate a random clientKey?").Value(&generateKey),
			huh.NewSelect[string]().Title("Log level").Options(
				huh.NewOption("info", "info"),
				huh.NewOption("debug", "debug"),
				huh.NewOption("warn", "warn"),
				huh.NewOption("error", "error"),
			).Value(&cfg.LogLevel),
		),
	)
	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("wizard: %w", err)
	}
	cfg.ServerPort, _ = strconv.Atoi(port)

	if generateKey {
		key, err := idgen.NewClientKey()
		if err != nil {
			return nil, fmt.Errorf("wizard: generate clientKey: %w", err)
		}
		cfg.ClientKey = key
	} else {
		keyForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Client key").Value(&cfg.ClientKey),
		))
		if err := keyForm.Run(); err != nil {
			return nil, fmt.Errorf("wizard: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := writeConfigFile(configPath, func() error { return config.WriteClientConfig(cfg, configPath) }); err != nil {
		return nil, err
	}

	printClientSummary(cfg, configPath)
	return &ClientResult{Config: cfg, ConfigPath: configPath}, nil
}

func validPort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n <= 0 || n > 65535 {
		return fmt.Errorf("must be between 1 and 65535")
	}
	return nil
}

func writeConfigFile(path string, write func() error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("wizard: create config directory: %w", err)
		}
	}
	if err := write(); err != nil {
		return fmt.Errorf("wizard: write config: %w", err)
	}
	return nil
}

func printServerSummary(cfg *config.ServerConfig, path string) {
	fmt.Println()
	fmt.Println(bannerStyle.Render("Setup complete"))
	fmt.Printf("  Config file:  %s\n", path)
	fmt.Printf("  Listen:       %s\n", cfg.ListenAddr())
	fmt.Printf("  SOCKS5:       %s\n", cfg.SOCKSListenAddr())
	fmt.Printf("  Password:     %s\n", cfg.Redacted().SOCKSPassword)
	fmt.Println()
	fmt.Println("  To start the server:")
	fmt.Printf("    zctun-server run -c %s\n", path)
	fmt.Println()
}

func printClientSummary(cfg *config.ClientConfig, path string) {
	fmt.Println()
	fmt.Println(bannerStyle.Render("Setup complete"))
	fmt.Printf("  Config file:  %s\n", path)
	fmt.Printf("  Server:       %s\n", cfg.ServerAddr())
	fmt.Printf("  Client key:   %s\n", cfg.ClientKey)
	fmt.Println()
	fmt.Println("  To start the client:")
	fmt.Printf("    zctun-client run -c %s\n", path)
	fmt.Println()
}
