//go:build !linux

package backend

// The device-backed variants depend on Linux packet drivers (sheep_net,
// ethertap, the TUN/TAP clone device). Other platforms can still use the
// user-mode NAT and message-bus transports.

func newRaw(ifName string, opts Options) (Backend, error) {
	return nil, ErrUnsupported
}

func newTap(name string, opts Options) (Backend, error) {
	return nil, ErrUnsupported
}

func newTunTap(script string, opts Options) (Backend, error) {
	return nil, ErrUnsupported
}
