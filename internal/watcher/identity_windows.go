//go:build windows

package watcher

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/kitchen/beaver/internal/domain"
)

// Identity returns the stable volume+file-index key for a path, the NTFS
// equivalent of device+inode. The key survives renames and changes when
// log rotation swaps the underlying file.
func Identity(path string) (domain.FileIdentity, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return "", err
	}

	// FILE_FLAG_BACKUP_SEMANTICS is required to open without read access;
	// full sharing so the writing process is never blocked.
	h, err := windows.CreateFile(
		p,
		0,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS,
		0,
	)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		return "", err
	}

	index := uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow)
	return domain.FileIdentity(fmt.Sprintf("%d:%d", info.VolumeSerialNumber, index)), nil
}
