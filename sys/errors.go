package sys

import "errors"

var (
	ErrLocked               = errors.New("directory is locked by another process")
	ErrPreallocNotSupported = errors.New("preallocation not supported")
)
