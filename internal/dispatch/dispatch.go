// Package dispatch routes received Ethernet frames to protocol handlers
// registered by the guest driver stack.
//
// Registrations are keyed by ethertype with one twist inherited from the
// 802.3 length-field convention: every value <= 1500 is a length, not a
// protocol, so all such values share a single bucket key. Two low-numbered
// "types" therefore cannot hold independent handlers at the same time.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tinyrange/etherbridge/internal/frame"
)

var (
	// ErrDuplicateProtocol is returned by Attach when the ethertype (or its
	// length bucket) already has a registration.
	ErrDuplicateProtocol = errors.New("protocol already attached")
	// ErrProtocolNotFound is returned by Detach when no registration exists.
	ErrProtocolNotFound = errors.New("protocol not attached")
)

// LengthBucket is the shared key under which all ethertypes <= 1500 are
// registered.
const LengthBucket uint16 = 0

// maxLengthField is the largest type/length value treated as an 802.3 length.
const maxLengthField = 1500

// Handler is an opaque reference to guest-side handler code. The zero value
// is the null handler: it may be attached, but matching frames are dropped.
type Handler uint32

// Invocation carries the arguments handed to the external handler executor
// for one frame.
type Invocation struct {
	// EtherType is the literal type field from the frame, not the bucket key.
	EtherType uint16
	// Header is the staged copy of the 14-byte Ethernet header. Valid only
	// for the duration of the call.
	Header []byte
	// Payload is the frame body after the header. Valid only for the
	// duration of the call.
	Payload []byte
}

// Executor runs guest handler code. It is an external collaborator; Dispatch
// blocks until it returns.
type Executor interface {
	ExecuteHandler(h Handler, inv Invocation)
}

// Table maps ethertypes to handlers. Safe for concurrent attach, detach and
// dispatch.
type Table struct {
	log *slog.Logger

	mu       sync.Mutex
	handlers map[uint16]Handler

	// staging receives the header copy passed to the executor. Dispatch is
	// serialized by the one-frame-in-flight handshake, so a single slot is
	// enough.
	staging [frame.HeaderLen]byte
}

// NewTable returns an empty dispatch table.
func NewTable(log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		log:      log,
		handlers: make(map[uint16]Handler),
	}
}

func bucketKey(etherType uint16) uint16 {
	if etherType <= maxLengthField {
		return LengthBucket
	}
	return etherType
}

// Attach registers a handler for the given ethertype.
func (t *Table) Attach(etherType uint16, h Handler) error {
	key := bucketKey(etherType)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[key]; ok {
		return ErrDuplicateProtocol
	}
	t.handlers[key] = h
	return nil
}

// Detach removes the registration for the given ethertype.
func (t *Table) Detach(etherType uint16) error {
	key := bucketKey(etherType)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[key]; !ok {
		return ErrProtocolNotFound
	}
	delete(t.handlers, key)
	return nil
}

// Reset drops every registration. Called when the guest networking stack
// restarts.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = make(map[uint16]Handler)
}

// Len reports the number of live registrations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

// Dispatch routes one received frame. Frames with no registration, or with a
// null handler, are dropped silently; unregistered protocols are expected
// traffic, not errors.
func (t *Table) Dispatch(buf *frame.Buffer, exec Executor) {
	etherType := buf.EtherType()

	t.mu.Lock()
	h, ok := t.handlers[bucketKey(etherType)]
	t.mu.Unlock()

	if !ok || h == 0 {
		return
	}

	copy(t.staging[:], buf.Header())
	exec.ExecuteHandler(h, Invocation{
		EtherType: etherType,
		Header:    t.staging[:],
		Payload:   buf.Payload(),
	})
}
