//go:build !linux

package sys

import "os"

func Preallocate(f *os.File, size int64) error {
	return ErrPreallocNotSupported
}
