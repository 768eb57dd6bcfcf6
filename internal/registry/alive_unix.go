//go:build unix

package registry

import (
	"errors"

	"golang.org/x/sys/unix"
)

// alive reports whether process pid exists. EPERM means it exists under
// another user.
func alive(pid uint32) bool {
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
