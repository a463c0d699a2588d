package main

import (
	"time"

	"github.com/ngrok/mastership"
	"github.com/pkg/errors"
)

// Default configuration constants
const (
	DefaultListen     = ":6653"
	DefaultRole       = "master"
	DefaultDialect    = "of13"
	DefaultController = "127.0.0.1:6653"
)

// ServeConfig configures the serve command.
type ServeConfig struct {
	Listen string
	// Role is negotiated with every switch that connects.
	Role             mastership.Role
	RoleReplyTimeout time.Duration
	HandshakeTimeout time.Duration
	// GenerationDB is a bbolt file to persist generation ids in. Empty keeps
	// them in memory.
	GenerationDB string
}

// DefaultServeConfig returns a config with sensible defaults
func DefaultServeConfig() *ServeConfig {
	return &ServeConfig{
		Listen:           DefaultListen,
		Role:             mastership.RoleMaster,
		RoleReplyTimeout: mastership.DefaultRoleReplyTimeout,
		HandshakeTimeout: mastership.DefaultHandshakeTimeout,
	}
}

// Validate checks if the config is valid
func (c *ServeConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	switch c.Role {
	case mastership.RoleMaster, mastership.RoleEqual, mastership.RoleSlave:
	default:
		return errors.Errorf("invalid role %v", c.Role)
	}
	if c.RoleReplyTimeout <= 0 {
		return errors.New("role reply timeout must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	return nil
}

// PeerConfig configures the peer command.
type PeerConfig struct {
	Controller string
	Dpid       mastership.Dpid
	// Dialect is one of of13, of13-norole, of10-nicira or of10.
	Dialect string
	Mute    bool
}

// DefaultPeerConfig returns a config with sensible defaults
func DefaultPeerConfig() *PeerConfig {
	return &PeerConfig{
		Controller: DefaultController,
		Dpid:       1,
		Dialect:    DefaultDialect,
	}
}

// Validate checks if the config is valid
func (c *PeerConfig) Validate() error {
	if c.Controller == "" {
		return errors.New("controller address is required")
	}
	if _, ok := peerDialects[c.Dialect]; !ok {
		return errors.Errorf("unknown dialect %q", c.Dialect)
	}
	return nil
}
