// Package main provides the CLI entry point for the udpturbo socket daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/udpturbo/internal/config"
	"github.com/postalsys/udpturbo/internal/daemon"
	"github.com/postalsys/udpturbo/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "udpturbo",
		Short: "udpturbo - UDP socket manager",
		Long: `udpturbo manages UDP sockets on behalf of other programs.

Sockets are created, bound and driven through integer handles over a
local control socket. Payloads travel as base64, multicast membership
is reference counted against a process-wide wake lock, and every
socket can be inspected, streamed or reset from the command line.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&socketPath, "socket", "s", "./udpturbo.sock", "Path to the daemon control socket")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd(&socketPath))
	root.AddCommand(socketsCmd(&socketPath))
	root.AddCommand(createCmd(&socketPath))
	root.AddCommand(bindCmd(&socketPath))
	root.AddCommand(sendCmd(&socketPath))
	root.AddCommand(recvCmd(&socketPath))
	root.AddCommand(broadcastCmd(&socketPath))
	root.AddCommand(joinCmd(&socketPath))
	root.AddCommand(leaveCmd(&socketPath))
	root.AddCommand(closeCmd(&socketPath))
	root.AddCommand(resetCmd(&socketPath))
	root.AddCommand(statsCmd())
	root.AddCommand(benchCmd())
	root.AddCommand(hashPasswordCmd())
	root.AddCommand(serviceCmd())

	return root
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a configuration file for the daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the socket daemon",
		Long:  "Start the socket daemon with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			d, err := daemon.New(cfg, Version)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			fmt.Printf("Starting udpturbo %s...\n", Version)

			if err := d.Start(); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			if path := d.ControlSocket(); path != "" {
				fmt.Printf("Control socket: %s\n", path)
			}
			if addr := d.HealthAddress(); addr != nil {
				fmt.Printf("Health: http://%s/health\n", addr)
			}
			fmt.Printf("Multicast lock: %s\n", cfg.MulticastLock.Platform)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := d.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Daemon stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults when empty)")

	return cmd
}
