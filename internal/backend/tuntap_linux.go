//go:build linux

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"

	"golang.org/x/sys/unix"
)

const (
	tunDeviceNode = "/dev/net/tun"

	// defaultScriptPath is the installation-relative location of the
	// interface configuration script used when "etherconfig" is unset.
	defaultScriptPath = "/usr/local/share/etherbridge/tunconfig"
)

// tunTapDevice bridges through the modern TUN/TAP driver. The kernel assigns
// the interface name at attach time; an external script brings the interface
// up and down because address/bridge policy lives outside this process.
type tunTapDevice struct {
	log    *slog.Logger
	script string

	dev    *deviceFile
	ifName string
	up     bool
	addr   net.HardwareAddr
}

func newTunTap(script string, opts Options) (Backend, error) {
	if script == "" {
		script = defaultScriptPath
	}
	return &tunTapDevice{log: opts.logger(), script: script}, nil
}

// runScript invokes the configuration script as (script, ifname, action).
// Success is exit code 0.
func (t *tunTapDevice) runScript(action string) error {
	cmd := exec.Command(t.script, t.ifName, action)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("network script %s %s %s: %w", t.script, t.ifName, action, err)
	}
	return nil
}

func (t *tunTapDevice) Open(ctx context.Context) error {
	dev, err := openDevice(tunDeviceNode)
	if err != nil {
		return err
	}

	// Attach a tap interface; the kernel fills in the actual name.
	ifr, err := unix.NewIfreq("tun%d")
	if err != nil {
		_ = dev.close()
		return fmt.Errorf("build ifreq: %w", err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(dev.fd, unix.TUNSETIFF, ifr); err != nil {
		_ = dev.close()
		return fmt.Errorf("attach tun/tap interface: %w", err)
	}
	t.dev = dev
	t.ifName = ifr.Name()

	if err := t.runScript("up"); err != nil {
		t.dev = nil
		_ = dev.close()
		return err
	}
	t.up = true

	t.addr = processMAC()
	t.log.Debug("tuntap: opened", "interface", t.ifName, "addr", t.addr.String())
	return nil
}

func (t *tunTapDevice) Close() error {
	if t.up {
		if err := t.runScript("down"); err != nil {
			t.log.Warn("tuntap: down script failed", "err", err)
		}
		t.up = false
	}
	return t.dev.close()
}

func (t *tunTapDevice) HardwareAddr() net.HardwareAddr { return t.addr }

// The TUN/TAP driver has no multicast filter; everything is delivered.
func (t *tunTapDevice) AddMulticast(addr net.HardwareAddr) error { return nil }
func (t *tunTapDevice) DelMulticast(addr net.HardwareAddr) error { return nil }

func (t *tunTapDevice) Transmit(f []byte) error {
	if !validFrameLen(len(f)) {
		return fmt.Errorf("bad frame length %d", len(f))
	}
	if _, err := unix.Write(t.dev.fd, f); err != nil {
		t.log.Debug("tuntap: transmit failed", "err", err)
		return ErrTransmitBufferFull
	}
	return nil
}

func (t *tunTapDevice) ReceiveLoop(ctx context.Context, deliver DeliverFunc) error {
	return t.dev.receiveLoop(ctx, 0, deliver)
}
