package control

import (
	"context"
	"errors"
	"net/http"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/registry"
	"github.com/postalsys/udpturbo/internal/socket"
	"github.com/postalsys/udpturbo/internal/sysinfo"
)

// CreateRequest is the body of POST /sockets.
type CreateRequest struct {
	Type string `json:"type"`
}

// CreateResponse is the response of POST /sockets.
type CreateResponse struct {
	Handle int64 `json:"handle"`
}

// BindRequest is the body of POST /sockets/{handle}/bind.
type BindRequest struct {
	Port         int    `json:"port"`
	Address      string `json:"address"`
	ReuseAddress bool   `json:"reuse_address"`
}

// DestinationRequest is the body of POST /sockets/{handle}/connect.
type DestinationRequest struct {
	Port    int    `json:"port"`
	Address string `json:"address"`
}

// SendRequest is the body of POST /sockets/{handle}/send. Data is base64.
// An empty address uses the socket's default destination.
type SendRequest struct {
	Data    string `json:"data"`
	Port    int    `json:"port"`
	Address string `json:"address"`
}

// ReceiveRequest is the optional body of POST /sockets/{handle}/receive.
type ReceiveRequest struct {
	TimeoutMS int64 `json:"timeout_ms"`
}

// BroadcastRequest is the body of POST /sockets/{handle}/broadcast.
type BroadcastRequest struct {
	Enabled bool `json:"enabled"`
}

// MembershipRequest is the body of the membership endpoints.
type MembershipRequest struct {
	Group string `json:"group"`
}

// Message is a datagram as carried by the receive and stream endpoints.
type Message = bridge.Message

// SocketsResponse is the response of GET /sockets.
type SocketsResponse struct {
	Sockets []registry.Entry `json:"sockets"`
}

// StatusResponse is the response of GET /status.
type StatusResponse struct {
	Version           string `json:"version"`
	Running           bool   `json:"running"`
	Uptime            string `json:"uptime"`
	Sockets           int    `json:"sockets"`
	MulticastLockHeld bool   `json:"multicast_lock_held"`
	MulticastLockRefs int    `json:"multicast_lock_refs"`

	Host *sysinfo.Info `json:"host,omitempty"`
}

// OKResponse is returned by operations without a result.
type OKResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Codes that are not socket error kinds.
const (
	CodeBadRequest = "bad_request"
	CodeTimeout    = "timeout"
)

// statusFor maps an operation error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout, CodeTimeout
	}
	kind := socket.KindOf(err)
	switch kind {
	case socket.KindInvalidHandle:
		return http.StatusNotFound, kind.String()
	case socket.KindBind, socket.KindSend, socket.KindReceive, socket.KindConfig, socket.KindMulticast:
		if errors.Is(err, registry.ErrSocketLimit) {
			return http.StatusTooManyRequests, kind.String()
		}
		return http.StatusBadRequest, kind.String()
	default:
		return http.StatusInternalServerError, kind.String()
	}
}
