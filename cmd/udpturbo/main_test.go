package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/control"
	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	want := []string{"init", "run", "status", "sockets", "create", "bind", "send", "recv",
		"broadcast", "join", "leave", "close", "reset", "stats", "bench", "hash-password", "service"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
	if root.PersistentFlags().Lookup("socket") == nil {
		t.Error("missing --socket flag")
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		addr    string
		port    int
		wantErr bool
	}{
		{"127.0.0.1:9000", "127.0.0.1", 9000, false},
		{"[::1]:53", "::1", 53, false},
		{"localhost:0", "", 0, true},
		{"127.0.0.1", "", 0, true},
		{"127.0.0.1:x", "", 0, true},
		{"127.0.0.1:70000", "", 0, true},
	}
	for _, tt := range tests {
		addr, port, err := parseTarget(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (addr != tt.addr || port != tt.port) {
			t.Errorf("parseTarget(%q) = %s, %d, want %s, %d", tt.in, addr, port, tt.addr, tt.port)
		}
	}
}

func TestParseHandleArg(t *testing.T) {
	if h, err := parseHandleArg("7"); err != nil || h != 7 {
		t.Errorf("parseHandleArg(7) = %d, %v", h, err)
	}
	for _, bad := range []string{"0", "-1", "abc"} {
		if _, err := parseHandleArg(bad); err == nil {
			t.Errorf("parseHandleArg(%q) should fail", bad)
		}
	}
}

func TestReadPayload(t *testing.T) {
	got, err := readPayload([]string{"hello"}, "", false, nil)
	if err != nil || string(got) != "hello" {
		t.Errorf("arg payload = %q, %v", got, err)
	}

	got, err = readPayload(nil, "", false, strings.NewReader("from stdin"))
	if err != nil || string(got) != "from stdin" {
		t.Errorf("stdin payload = %q, %v", got, err)
	}

	got, err = readPayload([]string{"cGluZw=="}, "", true, nil)
	if err != nil || string(got) != "ping" {
		t.Errorf("base64 payload = %q, %v", got, err)
	}

	if _, err := readPayload([]string{"!!"}, "", true, nil); err == nil {
		t.Error("invalid base64 should fail")
	}
	if _, err := readPayload([]string{"x"}, "file.bin", false, nil); err == nil {
		t.Error("DATA with --file should fail")
	}
}

func TestWriteMessage(t *testing.T) {
	m := &control.Message{Data: bridge.EncodePayload([]byte("pong")), Address: "127.0.0.1", Port: 4000}

	var raw bytes.Buffer
	if err := writeMessage(&raw, m, false); err != nil {
		t.Fatalf("writeMessage raw: %v", err)
	}
	if raw.String() != "pong" {
		t.Errorf("raw output = %q, want %q", raw.String(), "pong")
	}

	var pretty bytes.Buffer
	if err := writeMessage(&pretty, m, true); err != nil {
		t.Fatalf("writeMessage pretty: %v", err)
	}
	out := pretty.String()
	if !strings.Contains(out, "127.0.0.1:4000") {
		t.Errorf("pretty output missing source: %q", out)
	}
	if !strings.Contains(out, "70 6f 6e 67") {
		t.Errorf("pretty output missing hex dump: %q", out)
	}
}

func TestRenderSockets(t *testing.T) {
	now := time.Now()
	entries := []registry.Entry{
		{Handle: 1, Created: now.Add(-time.Minute), Info: socket.Info{
			Family: socket.FamilyUDP4, State: "BOUND", LocalAddress: "0.0.0.0", LocalPort: 5353,
			Memberships: []string{"224.0.0.251"},
		}},
		{Handle: 2, Created: now, Info: socket.Info{Family: socket.FamilyUDP6, State: "UNBOUND"}},
	}
	out := renderSockets(entries, now)
	for _, want := range []string{"HANDLE", "0.0.0.0:5353", "224.0.0.251", "udp6", "UNBOUND", "1 minute ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderSockets output missing %q:\n%s", want, out)
		}
	}
}

func TestFaultInjector(t *testing.T) {
	if faultInjector(0, 0) != nil {
		t.Error("faultInjector(0, 0) should be nil")
	}
	inj := faultInjector(1, 0)
	if inj == nil {
		t.Fatal("faultInjector(1, 0) = nil")
	}
	if fault, _, ok := inj.Next(); !ok || fault.String() != "drop" {
		t.Errorf("Next() = %v, %v, want drop", fault, ok)
	}
}
