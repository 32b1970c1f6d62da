// Package config holds the typed, validated set of options that govern a
// Runtime, modeled on go-ublk's plain-struct DefaultParams/Options
// (backend.go) rather than a flag or viper-style loader: nothing here is
// meant to be parsed from a CLI, only constructed and validated in-process.
package config

import (
	"fmt"
	"time"
)

// Config is every recognized runtime option (SPEC_FULL.md section 6).
type Config struct {
	OwnNodeID uint16
	SocketPort int

	ConnectionCreationTimeout time.Duration
	MaxNumConnections         int

	SendBufferSize int
	RecvBufferSize int
	RecvPoolBytes  int

	MaxSendReqs            int
	MaxRecvReqs            int
	FlowControlMaxRecvReqs int

	EnableDebugThread bool

	// CPUAffinity, if non-empty, pins each long-running worker
	// (Job/Exchange/Send/Recv) to one CPU from this list, round-robin. A nil
	// slice leaves scheduling to the Go runtime.
	CPUAffinity []int

	MetricsEnabled bool

	// BindAddr is the local IP the exchange worker's UDP socket binds to.
	// Empty means all interfaces. Set this to disambiguate multiple nodes
	// sharing one host (e.g. loopback aliases in a demo), since every node
	// in a cluster is expected to use the same SocketPort.
	BindAddr string

	// JobQueueCapacity sizes the Job Worker's ring; must be a power of two.
	JobQueueCapacity int
}

const invalidNodeID = 0xFFFF

// DefaultConfig returns sensible defaults, mirroring go-ublk's
// DefaultParams constructor.
func DefaultConfig(ownNodeID uint16) *Config {
	return &Config{
		OwnNodeID:                 ownNodeID,
		SocketPort:                9990,
		ConnectionCreationTimeout: 5 * time.Second,
		MaxNumConnections:         64,
		SendBufferSize:            1 << 16,
		RecvBufferSize:            1 << 16,
		RecvPoolBytes:             1 << 22,
		MaxSendReqs:               64,
		MaxRecvReqs:               64,
		FlowControlMaxRecvReqs:    16,
		EnableDebugThread:         false,
		MetricsEnabled:            true,
		JobQueueCapacity:          1024,
	}
}

// Validate checks the invariants every other package assumes hold.
func (c *Config) Validate() error {
	if c.OwnNodeID == invalidNodeID {
		return fmt.Errorf("config: OwnNodeID must not be the invalid sentinel 0xFFFF")
	}
	if c.MaxNumConnections <= 0 {
		return fmt.Errorf("config: MaxNumConnections must be positive")
	}
	if c.RecvBufferSize <= 0 || c.RecvPoolBytes <= 0 {
		return fmt.Errorf("config: RecvBufferSize and RecvPoolBytes must be positive")
	}
	if c.RecvPoolBytes%c.RecvBufferSize != 0 {
		return fmt.Errorf("config: RecvPoolBytes must be a multiple of RecvBufferSize")
	}
	count := c.RecvPoolBytes / c.RecvBufferSize
	if count&(count-1) != 0 {
		return fmt.Errorf("config: RecvPoolBytes/RecvBufferSize must be a power of two, got %d", count)
	}
	if c.ConnectionCreationTimeout <= 0 {
		return fmt.Errorf("config: ConnectionCreationTimeout must be positive")
	}
	if c.JobQueueCapacity <= 0 || c.JobQueueCapacity&(c.JobQueueCapacity-1) != 0 {
		return fmt.Errorf("config: JobQueueCapacity must be a power of two, got %d", c.JobQueueCapacity)
	}
	return nil
}

// RecvPoolCapacity is the number of buffer slots the recv pool ring holds.
func (c *Config) RecvPoolCapacity() int {
	return c.RecvPoolBytes / c.RecvBufferSize
}
