package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/postalsys/udpturbo/internal/config"
	"github.com/postalsys/udpturbo/internal/service"
)

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
	}

	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	cmd.AddCommand(serviceStatusCmd())
	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var (
		configPath   string
		name         string
		user         string
		group        string
		bindLowPorts bool
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start udpturbo as a systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			cfg := service.DefaultConfig(configPath)
			cfg.Name = name
			cfg.User = user
			cfg.Group = group
			cfg.BindLowPorts = bindLowPorts

			if err := service.Install(cfg); err != nil {
				return err
			}
			fmt.Printf("Service %s installed.\n", cfg.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&name, "name", "n", "udpturbo", "Service name")
	cmd.Flags().StringVar(&user, "user", "", "Run the service as this user")
	cmd.Flags().StringVar(&group, "group", "", "Run the service as this group")
	cmd.Flags().BoolVar(&bindLowPorts, "bind-low-ports", false, "Allow binding ports below 1024 without root")
	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.Uninstall(name); err != nil {
				return err
			}
			fmt.Printf("Service %s removed.\n", name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "udpturbo", "Service name")
	return cmd
}

func serviceStatusCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd service state",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := service.Status(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", name, status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "udpturbo", "Service name")
	return cmd
}
