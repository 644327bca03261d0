package wire

import (
	"fmt"
)

// ProxyKind is the tagged variant of listener kinds spec.md §3 describes.
// Wire form is the uppercase name.
type ProxyKind string

const (
	HTTP  ProxyKind = "HTTP"
	HTTPS ProxyKind = "HTTPS"
	TCP   ProxyKind = "TCP"
)

// Valid reports whether k is one of the recognized proxy kinds.
func (k ProxyKind) Valid() bool {
	switch k {
	case HTTP, HTTPS, TCP:
		return true
	default:
		return false
	}
}

// RunState is a worker's lifecycle state (spec.md §3).
type RunState string

const (
	Running  RunState = "Running"
	Stopping RunState = "Stopping"
	Stopped  RunState = "Stopped"
)

// Front routes a (hostname, path prefix) tuple to a backend application id.
// Field names mirror original_source/command/src/data.rs's ADD_HTTP_FRONT
// payload (app_id, hostname, path_begin).
type Front struct {
	AppID     string `json:"app_id"`
	Hostname  string `json:"hostname"`
	PathBegin string `json:"path_begin"`
}

// Key is the stable sort/identity key for a Front within a listener's state.
func (f Front) Key() string {
	return f.AppID + "\x00" + f.Hostname + "\x00" + f.PathBegin
}

// Backend is one instance address behind an application id.
type Backend struct {
	AppID   string `json:"app_id"`
	Address string `json:"address"`
}

func (b Backend) Key() string { return b.AppID + "\x00" + b.Address }

// Certificate is the certificate material for one HTTPS front.
type Certificate struct {
	Hostname    string `json:"hostname"`
	Fingerprint string `json:"fingerprint"`
	CertPEM     string `json:"cert_pem"`
	KeyPEM      string `json:"key_pem"`
}

func (c Certificate) Key() string { return c.Hostname + "\x00" + c.Fingerprint }

// OrderKind identifies the mutation an Order applies (spec.md §3).
type OrderKind string

const (
	AddFront         OrderKind = "AddFront"
	RemoveFront      OrderKind = "RemoveFront"
	AddBackend       OrderKind = "AddBackend"
	RemoveBackend    OrderKind = "RemoveBackend"
	AddCertificate   OrderKind = "AddCertificate"
	RemoveCertificate OrderKind = "RemoveCertificate"
	SoftStop         OrderKind = "SoftStop"
	HardStop         OrderKind = "HardStop"
	StatusCheck      OrderKind = "StatusCheck"
)

// Order is a single routing-table mutation a worker applies to its local
// state (spec.md §3, §4.2).
type Order struct {
	Kind        OrderKind    `json:"kind"`
	Front       *Front       `json:"front,omitempty"`
	Backend     *Backend     `json:"backend,omitempty"`
	Certificate *Certificate `json:"certificate,omitempty"`
}

func (o Order) String() string {
	return fmt.Sprintf("Order{%s}", o.Kind)
}

// ListenerSpec is the desired configuration of one listener, handed to a
// worker as the handshake frame at every spawn; the router then replays
// the tag's orders from the state store (spec.md §3, §4.4).
type ListenerSpec struct {
	Kind              ProxyKind `json:"kind"`
	Address           string    `json:"address"`
	Port              uint16    `json:"port"`
	WorkerCount       int       `json:"worker_count"`
	ChannelBufferSize int       `json:"channel_buffer_size"`
	ChannelBufferMax  int       `json:"channel_buffer_max"`
	LogTarget         string    `json:"log_target"`
	LogLevel          string    `json:"log_level"`
}

// DefaultChannelBufferSize and DefaultChannelBufferMax match the constants
// hard-coded in the original sozu sources (spec.md §9(b)).
const (
	DefaultChannelBufferSize = 10000
	DefaultChannelBufferMax  = 20000
)

// WorkerInfo is the registry's external projection of a worker (spec.md §3).
type WorkerInfo struct {
	ID        uint32    `json:"id"`
	Pid       int       `json:"pid"`
	Tag       string    `json:"tag"`
	ProxyType ProxyKind `json:"proxy_type"`
	RunState  RunState  `json:"run_state"`
}
