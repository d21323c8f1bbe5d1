// Package backend implements the five interchangeable host transports the
// bridge can run on: the sheep_net raw packet device, the Linux ethertap
// device, a TUN/TAP interface, a user-mode NAT stack, and an AMQP fanout
// exchange.
//
// All variants satisfy Backend. The variant is chosen exactly once, from
// configuration, by Select; nothing outside construction branches on it.
package backend

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/tinyrange/etherbridge/internal/frame"
)

var (
	// ErrTransmitBufferFull reports a transient transmit failure (full
	// buffer, collision). Never fatal; the caller drops the frame.
	ErrTransmitBufferFull = errors.New("transmit buffer full")
	// ErrMulticastRejected reports a failed multicast filter update. Not
	// fatal to the bridge.
	ErrMulticastRejected = errors.New("multicast address rejected")
	// ErrUnsupported is returned by Select for variants the build platform
	// cannot provide.
	ErrUnsupported = errors.New("transport not supported on this platform")
)

// DeliverFunc hands one received frame upstream. It does not return until
// the consumer has acknowledged the frame, so implementations must not call
// it again before it returns. The slice is only valid for the duration of
// the call.
type DeliverFunc func(f []byte) error

// Backend is the uniform packet-delivery contract over one host transport.
type Backend interface {
	// Open acquires the transport resource. On failure every partially
	// acquired sub-resource has been released. Called at most once.
	Open(ctx context.Context) error

	// Close releases the transport. Safe to call after a failed Open.
	Close() error

	// HardwareAddr reports the MAC address presented to the guest. Only
	// valid after a successful Open.
	HardwareAddr() net.HardwareAddr

	// AddMulticast and DelMulticast update the receive filter. Variants
	// without a hardware filter treat these as successful no-ops.
	AddMulticast(addr net.HardwareAddr) error
	DelMulticast(addr net.HardwareAddr) error

	// Transmit sends one frame. Variant-specific framing (the ethertap
	// two-byte prefix, message-bus encapsulation) is applied here.
	Transmit(f []byte) error

	// ReceiveLoop blocks for incoming frames and delivers each one,
	// returning when ctx is cancelled or the transport fails terminally.
	ReceiveLoop(ctx context.Context, deliver DeliverFunc) error
}

// EventPump is implemented by backends that need a second, independent loop
// to drive library-internal state (the user-mode NAT stack). The bridge runs
// it on its own goroutine alongside ReceiveLoop.
type EventPump interface {
	PumpLoop(ctx context.Context) error
}

// Config is the immutable transport selection input, extracted from the
// preference store before the bridge opens.
type Config struct {
	// Ether is the raw "ether" preference value: "tap*", "tun", "slirp",
	// "amqp*" URL, or an interface name for the raw packet device.
	Ether string
	// ScriptPath is the up/down script for the TUN/TAP variant. Empty means
	// the installation default.
	ScriptPath string
	// Redirects holds the unparsed NAT redirect rule strings.
	Redirects []string
}

// Select maps the configuration onto a concrete transport. This is the only
// place the variant tag is inspected.
func Select(cfg Config, opts Options) (Backend, error) {
	name := cfg.Ether
	switch {
	case strings.HasPrefix(name, "tap"):
		return newTap(name, opts)
	case name == "tun":
		return newTunTap(cfg.ScriptPath, opts)
	case name == "slirp":
		return newSlirp(cfg.Redirects, opts)
	case strings.HasPrefix(name, "amqp"):
		return newAMQP(name, opts)
	default:
		return newRaw(name, opts)
	}
}

func validFrameLen(n int) bool {
	return n >= frame.MinLen && n <= frame.MaxLen
}
