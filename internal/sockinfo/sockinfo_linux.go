//go:build linux

package sockinfo

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Getsockopt issues a raw getsockopt(2) against the wrapped connection's
// file descriptor, used by the Redir handler to recover SO_ORIGINAL_DST.
func (t *TCP) Getsockopt(level, name, length int) ([]byte, error) {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	vallen := uint32(length)
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(level),
			uintptr(name),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&vallen)),
			0,
		)
		if errno != 0 {
			sockErr = errno
		}
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if sockErr != nil {
		return nil, sockErr
	}
	return buf[:vallen], nil
}

// Ioctl is not used by the Linux Redir path (SO_ORIGINAL_DST is read via
// getsockopt); Pf is BSD-only.
func (t *TCP) Ioctl(request uintptr, arg []byte) error {
	return errUnsupported("ioctl")
}
