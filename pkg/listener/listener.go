// Package listener deals with binding local domain sockets at paths
// that may exceed the kernel's sockaddr length limit.
package listener

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxSocketPathSize is the number of usable bytes in sun_path,
// excluding the trailing NUL.
const maxSocketPathSize = len(unix.RawSockaddrUnix{}.Path) - 1

// ShortenSocketPath returns a path for path that fits into sun_path,
// together with a directory handle that must stay open until the
// socket has been bound. Paths that already fit are returned unchanged
// with a nil handle.
//
// Long paths are rewritten through /proc/self/fd of the open parent
// directory, so the bound socket still appears at the original
// filesystem location.
func ShortenSocketPath(path string) (string, *os.File, error) {
	if len(path) <= maxSocketPathSize {
		return path, nil, nil
	}

	parent, err := os.Open(filepath.Dir(path))
	if err != nil {
		return "", nil, errors.Wrapf(err, "open socket parent directory %s", filepath.Dir(path))
	}

	shortened := fmt.Sprintf("/proc/self/fd/%d/%s", parent.Fd(), filepath.Base(path))
	if len(shortened) > maxSocketPathSize {
		parent.Close()
		return "", nil, errors.Errorf("socket path %s too long even when shortened to %s", path, shortened)
	}

	return shortened, parent, nil
}
