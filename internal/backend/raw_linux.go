//go:build linux

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sheepNetDevice is the kernel packet driver the raw variant attaches to.
const sheepNetDevice = "/dev/sheep_net"

// rawDevice bridges through the sheep_net packet device, attached to a real
// host interface. The driver filters and queues raw frames for us; the MAC
// we present is the card's own, queried through the driver's address ioctl.
type rawDevice struct {
	log    *slog.Logger
	ifName string

	dev  *deviceFile
	addr net.HardwareAddr
}

func newRaw(ifName string, opts Options) (Backend, error) {
	if ifName == "" {
		return nil, fmt.Errorf("raw device needs a host interface name")
	}
	return &rawDevice{log: opts.logger(), ifName: ifName}, nil
}

func (r *rawDevice) Open(ctx context.Context) error {
	dev, err := openDevice(sheepNetDevice)
	if err != nil {
		return err
	}

	// Attach the driver to the selected Ethernet card.
	if err := dev.ioctlString(unix.SIOCSIFLINK, r.ifName); err != nil {
		_ = dev.close()
		return fmt.Errorf("attach %s to %s: %w", sheepNetDevice, r.ifName, err)
	}

	// The driver reports the card's hardware address through SIOCGIFADDR
	// with a bare 6-byte buffer.
	var addr [6]byte
	if err := dev.ioctlPtr(unix.SIOCGIFADDR, unsafe.Pointer(&addr[0])); err != nil {
		_ = dev.close()
		return fmt.Errorf("query hardware address: %w", err)
	}

	r.dev = dev
	r.addr = net.HardwareAddr(addr[:])
	r.log.Debug("raw: opened", "interface", r.ifName, "addr", r.addr.String())
	return nil
}

func (r *rawDevice) Close() error {
	return r.dev.close()
}

func (r *rawDevice) HardwareAddr() net.HardwareAddr { return r.addr }

func (r *rawDevice) AddMulticast(addr net.HardwareAddr) error {
	if err := r.dev.ioctlAddr(unix.SIOCADDMULTI, addr); err != nil {
		r.log.Warn("raw: add multicast failed", "addr", addr.String(), "err", err)
		return ErrMulticastRejected
	}
	return nil
}

func (r *rawDevice) DelMulticast(addr net.HardwareAddr) error {
	if err := r.dev.ioctlAddr(unix.SIOCDELMULTI, addr); err != nil {
		r.log.Warn("raw: del multicast failed", "addr", addr.String(), "err", err)
		return ErrMulticastRejected
	}
	return nil
}

func (r *rawDevice) Transmit(f []byte) error {
	if !validFrameLen(len(f)) {
		return fmt.Errorf("bad frame length %d", len(f))
	}
	if _, err := unix.Write(r.dev.fd, f); err != nil {
		r.log.Debug("raw: transmit failed", "err", err)
		return ErrTransmitBufferFull
	}
	return nil
}

func (r *rawDevice) ReceiveLoop(ctx context.Context, deliver DeliverFunc) error {
	return r.dev.receiveLoop(ctx, 0, deliver)
}
