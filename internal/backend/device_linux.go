//go:build linux

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/etherbridge/internal/frame"
)

// pollTimeoutMillis bounds every blocking wait so loop cancellation is
// observed regularly. read(2) on these devices is not a cancellation point.
const pollTimeoutMillis = 20

// deviceFile wraps one open character/packet device descriptor. It is owned
// by exactly one backend and closed exactly once.
type deviceFile struct {
	fd   int
	path string
}

func openDevice(path string) (*deviceFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set %s nonblocking: %w", path, err)
	}
	return &deviceFile{fd: fd, path: path}, nil
}

func (d *deviceFile) close() error {
	if d == nil || d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// ioctlPtr issues an ioctl whose argument is a raw buffer. The sheep_net
// driver takes plain byte pointers for its address and multicast calls
// rather than ifreq structs.
func (d *deviceFile) ioctlPtr(req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *deviceFile) ioctlString(req uint, s string) error {
	p, err := unix.BytePtrFromString(s)
	if err != nil {
		return err
	}
	return d.ioctlPtr(req, unsafe.Pointer(p))
}

func (d *deviceFile) ioctlAddr(req uint, addr net.HardwareAddr) error {
	var buf [6]byte
	copy(buf[:], addr)
	return d.ioctlPtr(req, unsafe.Pointer(&buf[0]))
}

// waitReadable blocks until the descriptor has data, ctx is cancelled, or
// the device fails. The wait is timeout-bounded so cancellation is observed
// even when no traffic arrives.
func (d *deviceFile) waitReadable(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll %s: %w", d.path, err)
		}
		if n == 0 {
			continue
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("poll %s: device gone", d.path)
		}
		return nil
	}
}

// receiveLoop is the shared reception loop for all fd-backed variants.
// stripPrefix removes the two junk bytes Linux ethertap places before each
// frame; it is zero for the other variants.
func (d *deviceFile) receiveLoop(ctx context.Context, stripPrefix int, deliver DeliverFunc) error {
	var buf [frame.MaxLen]byte
	readLen := frame.MaxLen - 2 + stripPrefix

	for {
		if err := d.waitReadable(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		n, err := unix.Read(d.fd, buf[:readLen])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("read %s: %w", d.path, err)
		}
		if n == 0 {
			return fmt.Errorf("read %s: device closed", d.path)
		}
		if n < frame.MinLen+stripPrefix {
			// Runt read; nothing dispatchable.
			continue
		}

		if err := deliver(buf[stripPrefix:n]); err != nil {
			return err
		}
	}
}

// processMAC synthesizes a hardware address from the process identity:
// a fixed fe:fd prefix with the pid in the low four bytes. Encoding the pid
// lets multiple emulator instances on one host hold multicast-capable
// addresses without colliding; ethertap additionally requires this layout
// when multicast is configured.
func processMAC() net.HardwareAddr {
	pid := os.Getpid()
	return net.HardwareAddr{
		0xfe, 0xfd,
		byte(pid >> 24), byte(pid >> 16), byte(pid >> 8), byte(pid),
	}
}
