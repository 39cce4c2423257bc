// Copyright (c) 2026 The rpcproxy Authors.

package rpcproxy

// Version identifies this build of the engine. It carries no protocol
// meaning: spec §6 fixes compatibility with a protocol-id equality check
// per service, not a proxy version handshake.
const Version = "0.1.0"
