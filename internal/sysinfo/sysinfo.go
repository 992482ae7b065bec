// Package sysinfo collects host and interface information for daemon status.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
)

var (
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Interface describes a network interface usable for UDP traffic.
type Interface struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses,omitempty"`
	Up        bool     `json:"up"`
	Multicast bool     `json:"multicast"`
	Broadcast bool     `json:"broadcast"`
	Loopback  bool     `json:"loopback,omitempty"`
}

// Info is a snapshot of the host the daemon runs on.
type Info struct {
	Hostname   string      `json:"hostname"`
	OS         string      `json:"os"`
	Arch       string      `json:"arch"`
	GoVersion  string      `json:"go_version"`
	PID        int         `json:"pid"`
	StartTime  int64       `json:"start_time"`
	Interfaces []Interface `json:"interfaces,omitempty"`
}

// Collect gathers local system information.
func Collect() *Info {
	hostname, _ := os.Hostname()
	ifaces, _ := Interfaces()

	return &Info{
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		GoVersion:  runtime.Version(),
		PID:        os.Getpid(),
		StartTime:  startTime.Unix(),
		Interfaces: ifaces,
	}
}

// Interfaces lists the host interfaces sorted by name.
func Interfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	result := make([]Interface, 0, len(ifaces))
	for _, ifi := range ifaces {
		result = append(result, describe(ifi))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// MulticastInterfaces returns the names of interfaces that are up, support
// multicast and are not loopback.
func MulticastInterfaces() []string {
	ifaces, err := Interfaces()
	if err != nil {
		return nil
	}
	var names []string
	for _, ifi := range ifaces {
		if ifi.Up && ifi.Multicast && !ifi.Loopback {
			names = append(names, ifi.Name)
		}
	}
	return names
}

func describe(ifi net.Interface) Interface {
	out := Interface{
		Name:      ifi.Name,
		Up:        ifi.Flags&net.FlagUp != 0,
		Multicast: ifi.Flags&net.FlagMulticast != 0,
		Broadcast: ifi.Flags&net.FlagBroadcast != 0,
		Loopback:  ifi.Flags&net.FlagLoopback != 0,
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			out.Addresses = append(out.Addresses, ipNet.IP.String())
		}
	}
	// Limit to first 10 addresses to keep status responses small
	if len(out.Addresses) > 10 {
		out.Addresses = out.Addresses[:10]
	}
	return out
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
