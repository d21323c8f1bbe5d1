// Package bridge ties one host transport to the guest-facing reception
// handshake and protocol dispatch table.
//
// Reception is strictly one frame at a time: the transport's receive loop
// stages a frame, raises the consumer interrupt, and blocks until the
// consumer has dispatched the frame and acknowledged it. The staged frame is
// therefore never overwritten while guest handler code reads it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/etherbridge/internal/backend"
	"github.com/tinyrange/etherbridge/internal/config"
	"github.com/tinyrange/etherbridge/internal/dispatch"
	"github.com/tinyrange/etherbridge/internal/frame"
	"github.com/tinyrange/etherbridge/internal/pcap"
)

// ErrDisabled is returned by Open when the preferences disable networking.
var ErrDisabled = errors.New("networking disabled by preferences")

// FallbackAddr is the hardware address reported when no transport is open.
// The guest still needs a stable MAC even with networking unavailable.
var FallbackAddr = net.HardwareAddr{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}

// degradedDelay paces the receive loop when no consumer is attached, so a
// transport that keeps delivering cannot spin the CPU.
const degradedDelay = 20 * time.Millisecond

// Consumer is the guest-side sink for the reception interrupt. It is raised
// once per staged frame; the consumer answers by calling Bridge.Interrupt,
// which dispatches the frame and releases the receive loop.
type Consumer interface {
	TriggerInterrupt()
}

// Options configures a Bridge beyond what the preference file carries.
type Options struct {
	Log *slog.Logger

	// Consumer receives reception interrupts. Nil runs the bridge in a
	// degraded mode where received frames are dropped after a short delay.
	Consumer Consumer

	// Executor runs guest protocol handler code during dispatch. Only
	// consulted when Consumer is set.
	Executor dispatch.Executor
}

func (o Options) logger() *slog.Logger {
	if o.Log == nil {
		return slog.Default()
	}
	return o.Log
}

// Bridge owns one open transport, the dispatch table, and the single staged
// receive frame.
type Bridge struct {
	log      *slog.Logger
	consumer Consumer
	exec     dispatch.Executor

	be      backend.Backend
	table   *dispatch.Table
	capture *pcap.Capture

	// rx is the single staged frame; ack releases the receive loop after the
	// consumer has dispatched it. pending is true only while a staged frame
	// awaits acknowledgement, so an interrupt with nothing staged cannot
	// dispatch garbage or bank an ack token.
	rx      frame.Buffer
	ack     chan struct{}
	pending atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Open selects the transport from the preferences and brings the bridge up.
// On any failure everything acquired so far is released, in reverse order of
// acquisition, before the error is returned.
func Open(prefs config.Prefs, opts Options) (*Bridge, error) {
	if prefs.NoNet {
		return nil, ErrDisabled
	}
	be, err := backend.Select(prefs.BackendConfig(), backend.Options{Log: opts.logger()})
	if err != nil {
		return nil, err
	}
	return open(be, prefs, opts)
}

func open(be backend.Backend, prefs config.Prefs, opts Options) (*Bridge, error) {
	log := opts.logger()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bridge{
		log:      log,
		consumer: opts.Consumer,
		exec:     opts.Executor,
		be:       be,
		table:    dispatch.NewTable(log),
		ack:      make(chan struct{}, 1),
		cancel:   cancel,
	}

	if err := be.Open(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("open transport: %w", err)
	}

	if prefs.PCAP != "" {
		capture, err := pcap.Create(prefs.PCAP)
		if err != nil {
			_ = be.Close()
			cancel()
			return nil, err
		}
		b.capture = capture
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := be.ReceiveLoop(ctx, func(f []byte) error { return b.deliver(ctx, f) }); err != nil {
			log.Error("bridge: receive loop failed", "err", err)
		}
	}()

	if pump, ok := be.(backend.EventPump); ok {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := pump.PumpLoop(ctx); err != nil {
				log.Error("bridge: event pump failed", "err", err)
			}
		}()
	}

	log.Info("bridge: up", "addr", be.HardwareAddr().String())
	return b, nil
}

// deliver stages one received frame and blocks until the consumer has
// acknowledged it through Interrupt.
func (b *Bridge) deliver(ctx context.Context, f []byte) error {
	if b.consumer == nil {
		select {
		case <-ctx.Done():
		case <-time.After(degradedDelay):
		}
		return nil
	}

	if err := b.rx.Set(f); err != nil {
		b.log.Debug("bridge: dropping frame", "err", err)
		return nil
	}
	if b.capture != nil {
		if err := b.capture.Record(b.rx.Bytes()); err != nil {
			b.log.Warn("bridge: capture write failed", "err", err)
		}
	}

	b.pending.Store(true)
	b.consumer.TriggerInterrupt()
	select {
	case <-b.ack:
	case <-ctx.Done():
	}
	return nil
}

// Interrupt is the consumer's answer to TriggerInterrupt: it dispatches the
// staged frame to the registered protocol handler and releases the receive
// loop for the next frame. An interrupt with no frame staged is ignored.
func (b *Bridge) Interrupt() {
	if !b.pending.CompareAndSwap(true, false) {
		return
	}
	b.table.Dispatch(&b.rx, b.exec)
	select {
	case b.ack <- struct{}{}:
	default:
	}
}

// Transmit sends one frame out through the transport. A full transmit buffer
// is reported but is not fatal; the frame is simply lost, as on a busy wire.
func (b *Bridge) Transmit(f []byte) error {
	return b.be.Transmit(f)
}

// Attach registers a guest protocol handler for an ethertype.
func (b *Bridge) Attach(etherType uint16, h dispatch.Handler) error {
	return b.table.Attach(etherType, h)
}

// Detach removes a guest protocol handler.
func (b *Bridge) Detach(etherType uint16) error {
	return b.table.Detach(etherType)
}

// Reset clears all protocol registrations, as on a guest network stack
// restart.
func (b *Bridge) Reset() {
	b.table.Reset()
}

// AddMulticast updates the transport receive filter. Rejections are logged
// and swallowed; a missing multicast group degrades reception, not the
// bridge.
func (b *Bridge) AddMulticast(addr net.HardwareAddr) {
	if err := b.be.AddMulticast(addr); err != nil {
		b.log.Warn("bridge: add multicast failed", "addr", addr.String(), "err", err)
	}
}

// DelMulticast removes a multicast group from the transport receive filter.
func (b *Bridge) DelMulticast(addr net.HardwareAddr) {
	if err := b.be.DelMulticast(addr); err != nil {
		b.log.Warn("bridge: del multicast failed", "addr", addr.String(), "err", err)
	}
}

// HardwareAddr reports the transport's MAC, or the fallback once closed.
func (b *Bridge) HardwareAddr() net.HardwareAddr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return FallbackAddr
	}
	return b.be.HardwareAddr()
}

// Close stops both loops, waits for them, and releases the transport and the
// capture file. Safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	// A receive loop blocked on the handshake needs the ack slot freed.
	select {
	case b.ack <- struct{}{}:
	default:
	}
	b.wg.Wait()

	err := b.be.Close()
	if b.capture != nil {
		if cerr := b.capture.Close(); err == nil {
			err = cerr
		}
	}
	b.log.Debug("bridge: down")
	return err
}
