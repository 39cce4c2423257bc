// Copyright (c) 2026 The rpcproxy Authors.

package filestream

import (
	"fmt"
	"os"
)

// PipeBackend opens anonymous, in-memory pipes via os.Pipe. It is the
// default backend and works on every platform Go supports.
type PipeBackend struct{}

// Open implements Backend.
func (PipeBackend) Open(dir Direction) (userEnd, proxyEnd *os.File, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("filestream: os.Pipe: %w", err)
	}

	if dir == Incoming {
		// The proxy writes arriving DATA_PACKETs; the local recipient reads.
		return r, w, nil
	}
	// The local recipient writes; the proxy reads and transmits.
	return w, r, nil
}
