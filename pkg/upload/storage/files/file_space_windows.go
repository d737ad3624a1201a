//go:build windows
// +build windows

package files

import (
	"os"

	"golang.org/x/sys/windows"
)

// reserveSpace marks the file sparse so a large upload does not allocate
// its full size up front.
func reserveSpace(f *os.File, _ int64) error {
	handle := windows.Handle(f.Fd())
	var bytesReturned uint32
	err := windows.DeviceIoControl(handle, windows.FSCTL_SET_SPARSE, nil, 0, nil, 0, &bytesReturned, nil)
	if err != nil {
		if err == windows.ERROR_INVALID_FUNCTION || err == windows.ERROR_NOT_SUPPORTED {
			return nil
		}
		return err
	}
	return nil
}
