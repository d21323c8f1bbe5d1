package bridge

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/etherbridge/internal/backend"
	"github.com/tinyrange/etherbridge/internal/config"
	"github.com/tinyrange/etherbridge/internal/dispatch"
)

// fakeBackend is an in-memory transport: frames pushed into rx appear on the
// receive path, transmitted frames are recorded.
type fakeBackend struct {
	openErr error

	mu          sync.Mutex
	opened      int
	closed      int
	transmitted [][]byte

	rx chan []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rx: make(chan []byte, 16)}
}

func (f *fakeBackend) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened++
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeBackend) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

func (f *fakeBackend) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
}

func (f *fakeBackend) AddMulticast(addr net.HardwareAddr) error { return nil }
func (f *fakeBackend) DelMulticast(addr net.HardwareAddr) error { return nil }

func (f *fakeBackend) Transmit(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transmitted = append(f.transmitted, append([]byte(nil), frame...))
	return nil
}

func (f *fakeBackend) ReceiveLoop(ctx context.Context, deliver backend.DeliverFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-f.rx:
			if err := deliver(frame); err != nil {
				return err
			}
		}
	}
}

// chanConsumer turns each interrupt into a channel send the test can await.
type chanConsumer struct {
	triggers chan struct{}
}

func (c *chanConsumer) TriggerInterrupt() { c.triggers <- struct{}{} }

// recordingExecutor collects dispatched invocations.
type recordingExecutor struct {
	mu    sync.Mutex
	types []uint16
}

func (e *recordingExecutor) ExecuteHandler(h dispatch.Handler, inv dispatch.Invocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, inv.EtherType)
}

func (e *recordingExecutor) dispatched() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint16(nil), e.types...)
}

func awaitTrigger(tb testing.TB, c *chanConsumer) {
	tb.Helper()
	select {
	case <-c.triggers:
	case <-time.After(time.Second):
		tb.Fatalf("timed out waiting for interrupt")
	}
}

func testEtherFrame(etherType uint16, payloadLen int) []byte {
	f := make([]byte, 14+payloadLen)
	f[12] = byte(etherType >> 8)
	f[13] = byte(etherType)
	return f
}

func newTestBridge(tb testing.TB, fb *fakeBackend, prefs config.Prefs, opts Options) *Bridge {
	tb.Helper()
	br, err := open(fb, prefs, opts)
	if err != nil {
		tb.Fatalf("open bridge: %v", err)
	}
	tb.Cleanup(func() { _ = br.Close() })
	return br
}

func TestReceiveDispatchAcknowledge(t *testing.T) {
	fb := newFakeBackend()
	consumer := &chanConsumer{triggers: make(chan struct{}, 1)}
	exec := &recordingExecutor{}

	br := newTestBridge(t, fb, config.Prefs{}, Options{Consumer: consumer, Executor: exec})
	if err := br.Attach(0x0800, 1); err != nil {
		t.Fatalf("attach: %v", err)
	}

	fb.rx <- testEtherFrame(0x0800, 40)
	awaitTrigger(t, consumer)
	br.Interrupt()

	deadline := time.Now().Add(time.Second)
	for len(exec.dispatched()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("frame never dispatched")
		}
		time.Sleep(time.Millisecond)
	}
	if got := exec.dispatched(); got[0] != 0x0800 {
		t.Fatalf("unexpected dispatched ethertype %#04x", got[0])
	}
}

// The receive loop must never stage frame N+1 before frame N has been
// acknowledged.
func TestOneFrameInFlight(t *testing.T) {
	fb := newFakeBackend()
	consumer := &chanConsumer{triggers: make(chan struct{}, 8)}
	exec := &recordingExecutor{}

	br := newTestBridge(t, fb, config.Prefs{}, Options{Consumer: consumer, Executor: exec})
	if err := br.Attach(0x0806, 1); err != nil {
		t.Fatalf("attach: %v", err)
	}

	const frames = 5
	for i := 0; i < frames; i++ {
		fb.rx <- testEtherFrame(0x0806, 28+i)
	}

	for i := 0; i < frames; i++ {
		awaitTrigger(t, consumer)

		// With the previous frame unacknowledged no further interrupt may
		// arrive, no matter how many frames are queued.
		select {
		case <-consumer.triggers:
			t.Fatalf("interrupt %d raised before frame %d was acknowledged", i+2, i+1)
		case <-time.After(20 * time.Millisecond):
		}

		br.Interrupt()
	}

	if got := len(exec.dispatched()); got != frames {
		t.Fatalf("expected %d dispatches, got %d", frames, got)
	}
}

// An interrupt raised with no frame staged must neither dispatch the empty
// buffer nor leave behind an ack that would release the next delivery early.
func TestSpuriousInterruptHasNoEffect(t *testing.T) {
	fb := newFakeBackend()
	consumer := &chanConsumer{triggers: make(chan struct{}, 8)}
	exec := &recordingExecutor{}

	br := newTestBridge(t, fb, config.Prefs{}, Options{Consumer: consumer, Executor: exec})
	if err := br.Attach(0x0800, 1); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// A bucket handler would catch a dispatch of the zero-value buffer.
	if err := br.Attach(dispatch.LengthBucket, 2); err != nil {
		t.Fatalf("attach bucket: %v", err)
	}

	br.Interrupt()
	if got := exec.dispatched(); len(got) != 0 {
		t.Fatalf("spurious interrupt dispatched %v", got)
	}

	fb.rx <- testEtherFrame(0x0800, 40)
	fb.rx <- testEtherFrame(0x0800, 41)
	awaitTrigger(t, consumer)

	// A banked ack would let the second frame through before the first is
	// acknowledged.
	select {
	case <-consumer.triggers:
		t.Fatalf("second interrupt raised before first acknowledge")
	case <-time.After(20 * time.Millisecond):
	}

	br.Interrupt()
	awaitTrigger(t, consumer)
	br.Interrupt()

	if got := exec.dispatched(); len(got) != 2 {
		t.Fatalf("expected 2 dispatches, got %v", got)
	}
}

func TestCloseReleasesPendingHandshake(t *testing.T) {
	fb := newFakeBackend()
	consumer := &chanConsumer{triggers: make(chan struct{}, 1)}

	br := newTestBridge(t, fb, config.Prefs{}, Options{Consumer: consumer})

	fb.rx <- testEtherFrame(0x0800, 40)
	awaitTrigger(t, consumer)

	// The frame is staged and unacknowledged; Close must still return.
	done := make(chan error, 1)
	go func() { done <- br.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close deadlocked on pending handshake")
	}

	if opened, closed := fb.counts(); opened != 1 || closed != 1 {
		t.Fatalf("expected one open and one close, got %d/%d", opened, closed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	br := newTestBridge(t, fb, config.Prefs{}, Options{})
	if err := br.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := br.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, closed := fb.counts(); closed != 1 {
		t.Fatalf("expected exactly one backend close, got %d", closed)
	}
}

func TestOpenFailureReleasesLaterResources(t *testing.T) {
	fb := newFakeBackend()
	// Capture file creation comes after the transport opens; its failure
	// must close the already-open transport.
	prefs := config.Prefs{PCAP: filepath.Join(t.TempDir(), "no", "such", "dir", "x.pcap")}

	if _, err := open(fb, prefs, Options{}); err == nil {
		t.Fatalf("expected error for uncreatable capture file")
	}
	if opened, closed := fb.counts(); opened != 1 || closed != 1 {
		t.Fatalf("expected the open transport to be closed, got %d/%d", opened, closed)
	}
}

func TestOpenFailurePropagates(t *testing.T) {
	fb := newFakeBackend()
	fb.openErr = errors.New("device busy")

	if _, err := open(fb, config.Prefs{}, Options{}); !errors.Is(err, fb.openErr) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
	if _, closed := fb.counts(); closed != 0 {
		t.Fatalf("backend closed after its own open failed")
	}
}

func TestDisabledByPreferences(t *testing.T) {
	if _, err := Open(config.Prefs{NoNet: true, Ether: "slirp"}, Options{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestDegradedModeWithoutConsumer(t *testing.T) {
	fb := newFakeBackend()
	br := newTestBridge(t, fb, config.Prefs{}, Options{})

	// Frames are consumed and dropped; the loop must not stall.
	for i := 0; i < 3; i++ {
		fb.rx <- testEtherFrame(0x0800, 40)
	}
	deadline := time.Now().Add(time.Second)
	for len(fb.rx) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("receive loop stalled without a consumer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := br.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestHardwareAddrFallbackAfterClose(t *testing.T) {
	fb := newFakeBackend()
	br := newTestBridge(t, fb, config.Prefs{}, Options{})

	if got := br.HardwareAddr(); got.String() != fb.HardwareAddr().String() {
		t.Fatalf("expected transport address, got %s", got)
	}
	if err := br.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := br.HardwareAddr(); got.String() != FallbackAddr.String() {
		t.Fatalf("expected fallback address after close, got %s", got)
	}
}

func TestTransmitPassesThrough(t *testing.T) {
	fb := newFakeBackend()
	br := newTestBridge(t, fb, config.Prefs{}, Options{})

	f := testEtherFrame(0x0800, 32)
	if err := br.Transmit(f); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.transmitted) != 1 || len(fb.transmitted[0]) != len(f) {
		t.Fatalf("unexpected transmit record: %d frames", len(fb.transmitted))
	}
}
