// Copyright (c) 2026 The rpcproxy Authors.

//go:build linux

package filestream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
)

// FifoBackend opens a named FIFO under Dir, one per call, and returns
// its read and write ends. The FIFO's directory entry is removed as soon
// as both ends are open, so it does not stay on disk; it is the second
// of the two channel backends (spec §4.G), next to PipeBackend.
type FifoBackend struct {
	Dir string
}

var fifoSeq uint64

// Open implements Backend.
func (b FifoBackend) Open(dir Direction) (userEnd, proxyEnd *os.File, err error) {
	n := atomic.AddUint64(&fifoSeq, 1)
	path := filepath.Join(b.Dir, fmt.Sprintf("rpcproxy-stream-%d", n))

	if err := syscall.Mkfifo(path, 0600); err != nil {
		return nil, nil, fmt.Errorf("filestream: mkfifo %s: %w", path, err)
	}

	// Both ends name the same underlying FIFO; the OS arbitrates
	// readers and writers. We remove the directory entry immediately
	// after opening both ends so it doesn't leak into the filesystem
	// namespace once both descriptors are held.
	readEnd, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(path)
		return nil, nil, fmt.Errorf("filestream: open %s for read: %w", path, err)
	}
	writeEnd, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		readEnd.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("filestream: open %s for write: %w", path, err)
	}
	os.Remove(path)

	if dir == Incoming {
		return readEnd, writeEnd, nil
	}
	return writeEnd, readEnd, nil
}
