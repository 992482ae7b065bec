package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udpturbo/internal/chaos"
	"github.com/postalsys/udpturbo/internal/config"
	"github.com/postalsys/udpturbo/internal/loadtest"
	"github.com/postalsys/udpturbo/internal/logging"
	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
)

func benchCmd() *cobra.Command {
	var (
		socketType string
		pairs      int
		size       string
		duration   time.Duration
		timeout    time.Duration
		drop       float64
		delay      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure loopback round trips through an in-process registry",
		Long: `Run a ping-pong benchmark over loopback sockets managed by an
in-process registry. No daemon is required.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			family, err := socket.ParseFamily(socketType)
			if err != nil {
				return err
			}
			payload, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", size, err)
			}

			cfg := registry.DefaultConfig()
			cfg.Defaults = config.Default().SocketOptions()

			injector := faultInjector(drop, delay)
			if injector != nil {
				cfg.Factory = chaos.Factory(nil, injector)
			}
			reg := registry.New(cfg, nil, logging.NopLogger())
			defer reg.Reset()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g := loadtest.NewPingPong(reg, family, pairs, int(payload), duration)
			g.SetTimeout(timeout)

			fmt.Fprintf(cmd.ErrOrStderr(), "Running %d %s pairs with %s payloads for %s...\n",
				pairs, family, humanize.IBytes(payload), duration)

			m, err := g.Run(ctx)
			if err != nil {
				return fmt.Errorf("benchmark failed: %w", err)
			}
			printBench(cmd.OutOrStdout(), m)
			if injector != nil {
				for fault, n := range injector.Stats() {
					fmt.Fprintf(cmd.OutOrStdout(), "  Injected %-6s %s\n", fault.String()+":", humanize.Comma(n))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketType, "type", "t", "udp4", "Socket type (udp4 or udp6)")
	cmd.Flags().IntVarP(&pairs, "pairs", "p", 4, "Concurrent socket pairs")
	cmd.Flags().StringVar(&size, "size", "512B", "Payload size per datagram")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "Benchmark duration")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "Round trip timeout before a datagram counts as lost")
	cmd.Flags().Float64Var(&drop, "drop", 0, "Probability (0-1) of silently dropping each datagram")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Maximum latency added to each datagram")
	return cmd
}

// faultInjector returns nil when no faults are requested.
func faultInjector(drop float64, delay time.Duration) *chaos.FaultInjector {
	var configs []chaos.FaultConfig
	if drop > 0 {
		configs = append(configs, chaos.FaultConfig{Probability: drop, Type: chaos.FaultDrop})
	}
	if delay > 0 {
		configs = append(configs, chaos.FaultConfig{Probability: 1, Type: chaos.FaultDelay, MaxDelay: delay})
	}
	if len(configs) == 0 {
		return nil
	}
	return chaos.NewFaultInjector(configs...)
}

func printBench(w io.Writer, m *loadtest.Metrics) {
	fmt.Fprintln(w, headerStyle.Render("Benchmark results"))
	fmt.Fprintf(w, "  Duration:     %s\n", m.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Round trips:  %s (%s/s)\n", humanize.Comma(m.RoundTrips), humanize.CommafWithDigits(m.RoundTripsPerSecond, 1))
	fmt.Fprintf(w, "  Lost:         %s\n", humanize.Comma(m.Lost))
	fmt.Fprintf(w, "  Errors:       %s\n", humanize.Comma(m.Errors))
	fmt.Fprintf(w, "  Transferred:  %s\n", humanize.IBytes(uint64(m.BytesSent+m.BytesReceived)))
	fmt.Fprintf(w, "  Throughput:   %.2f MiB/s\n", m.ThroughputMBps)
	fmt.Fprintf(w, "  RTT:          min %s  avg %s  max %s\n", m.MinRTT, m.AvgRTT, m.MaxRTT)
}
