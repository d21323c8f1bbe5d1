// Package pcap records bridged Ethernet frames to a classic libpcap file
// for inspection with tcpdump or wireshark.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/tinyrange/etherbridge/internal/frame"
)

// linkTypeEthernet is the libpcap DLT identifier for Ethernet.
const linkTypeEthernet uint32 = 1

// Capture appends frame records to a pcap stream. Record may be called from
// the reception path while Close runs elsewhere, so all writes are
// serialized.
type Capture struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

// Create opens path for writing and emits the 24-byte global header with a
// snap length covering the largest frame the bridge carries.
func Create(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], frame.MaxLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeEthernet)

	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &Capture{w: f}, nil
}

// Record appends one frame, timestamped now.
func (c *Capture) Record(f []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	now := time.Now()
	sec := now.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return fmt.Errorf("capture timestamp %d out of range", sec)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(now.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(f)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(f)))

	if _, err := c.w.Write(rec[:]); err != nil {
		return fmt.Errorf("write capture record: %w", err)
	}
	if _, err := c.w.Write(f); err != nil {
		return fmt.Errorf("write capture frame: %w", err)
	}
	return nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.w.Close()
}
