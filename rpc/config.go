package rpc

import (
	"crypto/tls"
	"time"
)

// StartState is a Connection's initial state after handshake, configurable
// per direction.
type StartState int

const (
	StartRaw StartState = iota
	StartPassive
	StartActive
)

// Configuration carries every recognized runtime option as a plain struct.
// CLI/config-file loading is up to the embedding program; this carries only
// the field shape, no flag-parsing library.
type Configuration struct {
	ListenerAddress string

	ConnectionsPerPool int

	ConnectionRecvBufferCapacityKB int // <= 64
	ConnectionSendBufferCapacityKB int // <= 64
	ConnectionRelayBufferCount     int

	InactivityTimeoutSeconds int
	KeepaliveTimeoutSeconds  int
	InactivityKeepaliveCount int

	ServerStartState  StartState
	ClientStartState  StartState
	ServerStartSecure bool
	ClientStartSecure bool

	RelayEnabled bool

	Protocol Protocol

	ClientTLS *tls.Config
	ServerTLS *tls.Config

	// StrictDecode rejects non-zero retransmit_id/updates_count header
	// fields on receipt. Those fields are reserved zeros in this protocol
	// version.
	StrictDecode bool

	// MaxPacketSize bounds the `length` field of a single wire packet; one
	// packet must fit in one recv buffer.
	MaxPacketSize uint32

	// MaxActiveMessages bounds how many messages a MessageWriter may track
	// concurrently.
	MaxActiveMessages int
}

// Validate rejects contradictory configurations: relay enabled with no
// relay buffers, buffer capacities over the 64 KB ceiling, and missing
// protocol or packet-size settings.
func (c Configuration) Validate() error {
	if c.RelayEnabled && c.ConnectionRelayBufferCount == 0 {
		return ErrInvalidConfiguration
	}
	if c.ConnectionRecvBufferCapacityKB > 64 || c.ConnectionSendBufferCapacityKB > 64 {
		return ErrInvalidConfiguration
	}
	if c.Protocol == nil {
		return ErrInvalidConfiguration
	}
	if c.MaxPacketSize == 0 {
		return ErrInvalidConfiguration
	}
	if c.ConnectionsPerPool <= 0 {
		return ErrInvalidConfiguration
	}
	return nil
}

func (c Configuration) inactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSeconds) * time.Second
}

func (c Configuration) keepaliveTimeout() time.Duration {
	return time.Duration(c.KeepaliveTimeoutSeconds) * time.Second
}
