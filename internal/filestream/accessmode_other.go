// Copyright (c) 2026 The rpcproxy Authors.

//go:build !linux

package filestream

import "fmt"

// DetectAccessMode is unimplemented outside Linux; the reference daemon
// (cmd/rpcproxyd) only ships a Linux build, matching the teacher's own
// Linux-only fd-monitor assumptions.
func DetectAccessMode(fd int) (Direction, error) {
	return 0, fmt.Errorf("filestream: access-mode detection is not implemented on this platform")
}
