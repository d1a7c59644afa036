//go:build !linux

package sock

import "golang.org/x/sys/unix"

const (
	markSupported       = false
	ifaceBindSupported  = false
	forceReuseSupported = false
)

// setReusePort is attempted on every platform x/sys/unix knows SO_REUSEPORT
// for (the BSDs, Darwin, Solaris); only the Linux build does anything with
// the result beyond address reuse.
func setReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func setMark(int, uint32) error {
	panic("sock: setMark called on a platform where markSupported is false")
}

func setBindToDevice(int, string) error {
	panic("sock: setBindToDevice called on a platform where ifaceBindSupported is false")
}
