package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/control"
	"github.com/postalsys/udpturbo/internal/registry"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))

// withClient runs fn against the daemon control socket.
func withClient(socketPath *string, fn func(ctx context.Context, c *control.Client) error) error {
	c := control.NewClient(*socketPath)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, c); err != nil {
		if control.IsNotFound(err) {
			return fmt.Errorf("unknown socket handle: %w", err)
		}
		return err
	}
	return nil
}

func parseHandleArg(s string) (int64, error) {
	h, err := registry.ParseHandle(s)
	if err != nil {
		return 0, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	return int64(h), nil
}

// parseTarget splits "host:port" into address and port.
func parseTarget(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid target %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, port, nil
}

func statusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				lock := "released"
				if st.MulticastLockHeld {
					lock = fmt.Sprintf("held (%d refs)", st.MulticastLockRefs)
				}
				fmt.Println(headerStyle.Render("udpturbo " + st.Version))
				fmt.Printf("  Running:        %v\n", st.Running)
				fmt.Printf("  Uptime:         %s\n", st.Uptime)
				fmt.Printf("  Sockets:        %d\n", st.Sockets)
				fmt.Printf("  Multicast lock: %s\n", lock)
				if h := st.Host; h != nil {
					fmt.Printf("  Host:           %s (%s/%s, pid %d)\n", h.Hostname, h.OS, h.Arch, h.PID)
					for _, ifi := range h.Interfaces {
						if !ifi.Up {
							continue
						}
						var flags []string
						if ifi.Multicast {
							flags = append(flags, "multicast")
						}
						if ifi.Broadcast {
							flags = append(flags, "broadcast")
						}
						fmt.Printf("    %-12s %s [%s]\n", ifi.Name, strings.Join(ifi.Addresses, " "), strings.Join(flags, ","))
					}
				}
				return nil
			})
		},
	}
}

func socketsCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "sockets",
		Aliases: []string{"ls"},
		Short:   "List open sockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Sockets(ctx)
				if err != nil {
					return err
				}
				if len(resp.Sockets) == 0 {
					fmt.Println("No open sockets.")
					return nil
				}
				fmt.Println(renderSockets(resp.Sockets, time.Now()))
				return nil
			})
		},
	}
}

// renderSockets formats entries as a table.
func renderSockets(entries []registry.Entry, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("HANDLE", "TYPE", "STATE", "LOCAL", "BROADCAST", "GROUPS", "CREATED")
	for _, e := range entries {
		local := "-"
		if e.Info.LocalAddress != "" {
			local = net.JoinHostPort(e.Info.LocalAddress, strconv.Itoa(e.Info.LocalPort))
		}
		groups := "-"
		if len(e.Info.Memberships) > 0 {
			groups = strings.Join(e.Info.Memberships, ",")
		}
		t.Row(
			strconv.FormatInt(int64(e.Handle), 10),
			string(e.Info.Family),
			e.Info.State,
			local,
			strconv.FormatBool(e.Info.Broadcast),
			groups,
			humanize.RelTime(e.Created, now, "ago", "from now"),
		)
	}
	return t.String()
}

func createCmd(socketPath *string) *cobra.Command {
	var socketType string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a socket and print its handle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				h, err := c.Create(ctx, socketType)
				if err != nil {
					return err
				}
				fmt.Println(h)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&socketType, "type", "t", "udp4", "Socket type (udp4 or udp6)")
	return cmd
}

func bindCmd(socketPath *string) *cobra.Command {
	var (
		address string
		reuse   bool
	)

	cmd := &cobra.Command{
		Use:   "bind HANDLE PORT",
		Short: "Bind a socket to a local port (0 picks an ephemeral port)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandleArg(args[0])
			if err != nil {
				return err
			}
			port, err := strconv.Atoi(args[1])
			if err != nil || port < 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				e, err := c.Bind(ctx, h, control.BindRequest{Port: port, Address: address, ReuseAddress: reuse})
				if err != nil {
					return err
				}
				fmt.Printf("Socket %d bound to %s\n", h, net.JoinHostPort(e.Info.LocalAddress, strconv.Itoa(e.Info.LocalPort)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Local address (wildcard when empty)")
	cmd.Flags().BoolVar(&reuse, "reuse", false, "Set SO_REUSEADDR before binding")
	return cmd
}

func sendCmd(socketPath *string) *cobra.Command {
	var (
		file       string
		encoded    bool
		useDefault bool
	)

	cmd := &cobra.Command{
		Use:   "send HANDLE [HOST:PORT] [DATA]",
		Short: "Send a datagram",
		Long: `Send a datagram from a socket.

The payload is taken from DATA, --file, or standard input. With --base64
the payload is decoded before sending. With --default the target is
omitted and the socket's default destination is used.`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandleArg(args[0])
			if err != nil {
				return err
			}
			rest := args[1:]

			var (
				address string
				port    int
			)
			if !useDefault {
				if len(rest) == 0 {
					return fmt.Errorf("target HOST:PORT is required unless --default is set")
				}
				address, port, err = parseTarget(rest[0])
				if err != nil {
					return err
				}
				rest = rest[1:]
			}

			payload, err := readPayload(rest, file, encoded, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.Send(ctx, h, payload, port, address); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Sent %s\n", humanize.IBytes(uint64(len(payload))))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read payload from file")
	cmd.Flags().BoolVar(&encoded, "base64", false, "Payload is base64 encoded")
	cmd.Flags().BoolVar(&useDefault, "default", false, "Send to the socket's default destination")
	return cmd
}

// readPayload resolves the payload from an argument, a file or stdin.
func readPayload(args []string, file string, encoded bool, stdin io.Reader) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch {
	case len(args) > 0 && file != "":
		return nil, fmt.Errorf("DATA and --file are mutually exclusive")
	case len(args) > 0:
		raw = []byte(args[0])
	case file != "":
		raw, err = os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	default:
		raw, err = io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
	}
	if !encoded {
		return raw, nil
	}
	data, err := bridge.DecodePayload(string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return data, nil
}

func recvCmd(socketPath *string) *cobra.Command {
	var (
		timeout time.Duration
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "recv HANDLE",
		Short: "Receive datagrams from a bound socket",
		Long: `Receive datagrams from a bound socket.

On a terminal each datagram is printed as a hex dump with its source.
Otherwise the raw payload bytes are written to standard output. With
--follow datagrams are streamed until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandleArg(args[0])
			if err != nil {
				return err
			}
			tty := term.IsTerminal(int(os.Stdout.Fd()))
			out := cmd.OutOrStdout()

			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				if follow {
					err := c.Stream(ctx, h, func(m *control.Message) error {
						return writeMessage(out, m, tty)
					})
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				m, err := c.Receive(ctx, h, timeout)
				if err != nil {
					return err
				}
				return writeMessage(out, m, tty)
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for a datagram")
	cmd.Flags().BoolVarP(&follow, "follow", "F", false, "Stream datagrams until interrupted")
	return cmd
}

// writeMessage prints m as a hex dump for terminals or raw bytes otherwise.
func writeMessage(w io.Writer, m *control.Message, pretty bool) error {
	data, err := bridge.DecodePayload(m.Data)
	if err != nil {
		return fmt.Errorf("invalid payload from daemon: %w", err)
	}
	if !pretty {
		_, err = w.Write(data)
		return err
	}
	from := net.JoinHostPort(m.Address, strconv.Itoa(m.Port))
	if _, err := fmt.Fprintf(w, "%s  %s\n", headerStyle.Render(from), humanize.IBytes(uint64(len(data)))); err != nil {
		return err
	}
	_, err = io.WriteString(w, hex.Dump(data))
	return err
}

func broadcastCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:       "broadcast HANDLE on|off",
		Short:     "Enable or disable broadcast on a bound socket",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandleArg(args[0])
			if err != nil {
				return err
			}
			var enabled bool
			switch strings.ToLower(args[1]) {
			case "on", "true", "1":
				enabled = true
			case "off", "false", "0":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				return c.SetBroadcast(ctx, h, enabled)
			})
		},
	}
}

func joinCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "join HANDLE GROUP",
		Short: "Join a multicast group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandleArg(args[0])
			if err != nil {
				return err
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				return c.AddMembership(ctx, h, args[1])
			})
		},
	}
}

func leaveCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "leave HANDLE GROUP",
		Short: "Leave a multicast group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandleArg(args[0])
			if err != nil {
				return err
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				return c.DropMembership(ctx, h, args[1])
			})
		},
	}
}

func closeCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "close HANDLE",
		Short: "Close a socket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandleArg(args[0])
			if err != nil {
				return err
			}
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				return c.CloseSocket(ctx, h)
			})
		},
	}
}

func resetCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Close every socket and release the multicast lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(ctx context.Context, c *control.Client) error {
				if err := c.Reset(ctx); err != nil {
					return err
				}
				fmt.Println("All sockets closed.")
				return nil
			})
		},
	}
}
