package socket

import (
	"fmt"
	"strings"
)

// Family is the address family of a socket, fixed at creation.
type Family string

const (
	FamilyUDP4 Family = "udp4"
	FamilyUDP6 Family = "udp6"
)

// ParseFamily accepts "udp4" or "udp6" (case-insensitive). Empty means udp4.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "udp4":
		return FamilyUDP4, nil
	case "udp6":
		return FamilyUDP6, nil
	default:
		return "", fmt.Errorf("unknown socket type %q (must be udp4 or udp6)", s)
	}
}

// ipNetwork returns the network name used for address lookups.
func (f Family) ipNetwork() string {
	if f == FamilyUDP6 {
		return "ip6"
	}
	return "ip4"
}

// MaxPayload is the largest UDP payload the family can carry in one datagram.
func (f Family) MaxPayload() int {
	if f == FamilyUDP6 {
		return 65527
	}
	return 65507
}

// State is the lifecycle state of a Client.
type State int

const (
	StateUnbound State = iota
	StateBound
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateBound:
		return "BOUND"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Options configures a Client at creation.
type Options struct {
	// Family is udp4 or udp6.
	Family Family

	// ReceiveBufferSize is the largest datagram a single Receive returns.
	// Longer datagrams are truncated by the OS.
	ReceiveBufferSize int

	// MulticastTTL is applied after bind. 0 keeps the OS default.
	MulticastTTL int

	// MulticastLoopback controls delivery of own multicast datagrams.
	MulticastLoopback bool

	// MulticastInterface names the interface used for group membership.
	// Empty selects the interface of the bound address, or the OS default
	// when bound to the wildcard address.
	MulticastInterface string

	// SendRate limits datagrams per second. 0 disables limiting.
	SendRate float64

	// SendBurst is the token bucket size when SendRate is set.
	SendBurst int
}

// DefaultOptions returns Options with sensible defaults for udp4.
func DefaultOptions() Options {
	return Options{
		Family:            FamilyUDP4,
		ReceiveBufferSize: 65535,
		MulticastLoopback: true,
		SendBurst:         1,
	}
}

// BindOptions tunes a single Bind call.
type BindOptions struct {
	// ReuseAddress sets SO_REUSEADDR before binding.
	ReuseAddress bool
}

// Info is a point-in-time snapshot of a Client.
type Info struct {
	Family       Family   `json:"family"`
	State        string   `json:"state"`
	LocalAddress string   `json:"local_address,omitempty"`
	LocalPort    int      `json:"local_port,omitempty"`
	Broadcast    bool     `json:"broadcast"`
	Memberships  []string `json:"memberships,omitempty"`
}
