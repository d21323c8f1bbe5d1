package pcap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/etherbridge/internal/frame"
)

func TestCaptureStreamLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pcap")

	cap, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	payload := make([]byte, 60)
	payload[12] = 0x08 // IPv4 ethertype
	if err := cap.Record(payload); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := cap.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	wantLen := 24 + 16 + len(payload)
	if len(got) != wantLen {
		t.Fatalf("expected %d bytes, got %d", wantLen, len(got))
	}

	if magic := binary.LittleEndian.Uint32(got[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("unexpected magic %#x", magic)
	}
	if snap := binary.LittleEndian.Uint32(got[16:20]); snap != frame.MaxLen {
		t.Fatalf("unexpected snaplen %d", snap)
	}
	if link := binary.LittleEndian.Uint32(got[20:24]); link != linkTypeEthernet {
		t.Fatalf("unexpected linktype %d", link)
	}

	rec := got[24 : 24+16]
	if capLen := binary.LittleEndian.Uint32(rec[8:12]); capLen != uint32(len(payload)) {
		t.Fatalf("unexpected caplen %d", capLen)
	}
	if origLen := binary.LittleEndian.Uint32(rec[12:16]); origLen != uint32(len(payload)) {
		t.Fatalf("unexpected origlen %d", origLen)
	}
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.pcap")

	cap, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cap.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := cap.Record(make([]byte, 64)); err != nil {
		t.Fatalf("record after close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 24 {
		t.Fatalf("expected header only, got %d bytes", len(got))
	}
}
