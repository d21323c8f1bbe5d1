//go:build linux

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/etherbridge/internal/frame"
)

// ethertapPrefixLen is the number of junk bytes Linux ethertap places before
// each received frame, and the number of zero bytes it expects prefixed to
// each transmitted one.
const ethertapPrefixLen = 2

// tapDevice bridges through a legacy Linux ethertap device node such as
// /dev/tap0. The presented MAC encodes the process id (see processMAC).
type tapDevice struct {
	log  *slog.Logger
	name string

	dev  *deviceFile
	addr net.HardwareAddr
}

func newTap(name string, opts Options) (Backend, error) {
	return &tapDevice{log: opts.logger(), name: name}, nil
}

func (t *tapDevice) Open(ctx context.Context) error {
	dev, err := openDevice("/dev/" + t.name)
	if err != nil {
		return err
	}
	t.dev = dev
	t.addr = processMAC()
	t.log.Debug("ethertap: opened", "device", t.name, "addr", t.addr.String())
	return nil
}

func (t *tapDevice) Close() error {
	return t.dev.close()
}

func (t *tapDevice) HardwareAddr() net.HardwareAddr { return t.addr }

func (t *tapDevice) AddMulticast(addr net.HardwareAddr) error {
	// Ethertap devices commonly reject SIOCADDMULTI; the guest stack copes,
	// so a failure here is downgraded to success.
	if err := t.dev.ioctlAddr(unix.SIOCADDMULTI, addr); err != nil {
		t.log.Warn("ethertap: add multicast failed", "addr", addr.String(), "err", err)
	}
	return nil
}

func (t *tapDevice) DelMulticast(addr net.HardwareAddr) error {
	if err := t.dev.ioctlAddr(unix.SIOCDELMULTI, addr); err != nil {
		t.log.Warn("ethertap: del multicast failed", "addr", addr.String(), "err", err)
		return ErrMulticastRejected
	}
	return nil
}

func (t *tapDevice) Transmit(f []byte) error {
	if !validFrameLen(len(f)) {
		return fmt.Errorf("bad frame length %d", len(f))
	}

	// Ethertap discards the first two bytes of every write.
	var buf [frame.MaxLen + ethertapPrefixLen]byte
	n := copy(buf[ethertapPrefixLen:], f) + ethertapPrefixLen

	if _, err := unix.Write(t.dev.fd, buf[:n]); err != nil {
		t.log.Debug("ethertap: transmit failed", "err", err)
		return ErrTransmitBufferFull
	}
	return nil
}

func (t *tapDevice) ReceiveLoop(ctx context.Context, deliver DeliverFunc) error {
	return t.dev.receiveLoop(ctx, ethertapPrefixLen, deliver)
}
