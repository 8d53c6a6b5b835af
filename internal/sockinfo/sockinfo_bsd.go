//go:build darwin || freebsd || openbsd || netbsd

package sockinfo

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pfDevice is the process-lifetime /dev/pf descriptor the Pf handler
// uses: lazily opened, never closed. It is shared by every TCP wrapper
// rather than per-connection, since pf(4)'s state table is host-wide.
var pfDevice = struct {
	once sync.Once
	fd   int
	err  error
}{}

func openPfDevice() (int, error) {
	pfDevice.once.Do(func() {
		fd, err := unix.Open("/dev/pf", unix.O_RDWR, 0)
		pfDevice.fd, pfDevice.err = fd, err
	})
	return pfDevice.fd, pfDevice.err
}

// Getsockopt is not used on the BSD Pf path; original destination recovery
// goes through Ioctl against /dev/pf instead.
func (t *TCP) Getsockopt(level, name, length int) ([]byte, error) {
	return nil, errUnsupported("getsockopt")
}

// Ioctl issues request against the shared /dev/pf descriptor with arg as
// the in/out buffer, as DIOCNATLOOK requires.
func (t *TCP) Ioctl(request uintptr, arg []byte) error {
	fd, err := openPfDevice()
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, uintptr(unsafe.Pointer(&arg[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
