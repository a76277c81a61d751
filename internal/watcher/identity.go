//go:build !windows

package watcher

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kitchen/beaver/internal/domain"
)

// Identity returns the stable device+inode key for a path. The key
// survives renames and changes when log rotation swaps the underlying file.
func Identity(path string) (domain.FileIdentity, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", err
	}
	return domain.FileIdentity(fmt.Sprintf("%d:%d", st.Dev, st.Ino)), nil
}
