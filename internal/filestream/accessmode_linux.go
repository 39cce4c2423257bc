// Copyright (c) 2026 The rpcproxy Authors.

//go:build linux

package filestream

import (
	"fmt"
	"syscall"
)

// DetectAccessMode inspects fd's open-file-status flags via
// fcntl(F_GETFL) and classifies it per spec §4.G: a read-only descriptor
// is Outgoing (this node reads and transmits), a write-only descriptor
// is Incoming (this node receives and writes); an O_RDWR descriptor is
// rejected, matching "bidirectional descriptors are rejected as
// unsupported."
func DetectAccessMode(fd int) (Direction, error) {
	flags, err := fcntlGetfl(fd)
	if err != nil {
		return 0, fmt.Errorf("filestream: fcntl(F_GETFL) on fd %d: %w", fd, err)
	}
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		return Outgoing, nil
	case syscall.O_WRONLY:
		return Incoming, nil
	default:
		return 0, fmt.Errorf("filestream: fd %d is opened read-write, bidirectional streams are not supported", fd)
	}
}

func fcntlGetfl(fd int) (int, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), uintptr(syscall.F_GETFL), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
