package client

import (
	"fmt"
	"time"
)

// Config holds every tunable of the orchestrator's configuration
// surface.
type Config struct {
	DescriptorPath        string
	OutputDir             string
	ListenPort            int
	PipelineDepth         int
	BlockSize             int
	MaxSessions           int
	RequestTimeoutSeconds int
	KeepAliveSeconds      int
	ShowDownloadProgress  bool
}

// DefaultConfig returns reasonable defaults for all of Config's fields.
func DefaultConfig() Config {
	return Config{
		ListenPort:            6881,
		PipelineDepth:         5,
		BlockSize:             16384,
		MaxSessions:           50,
		RequestTimeoutSeconds: 30,
		KeepAliveSeconds:      120,
		ShowDownloadProgress:  true,
	}
}

// Validate rejects an unusable configuration before any I/O is attempted.
func (c Config) Validate() error {
	if c.DescriptorPath == "" {
		return fmt.Errorf("client: descriptor path is required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("client: invalid listen port %d", c.ListenPort)
	}
	if c.PipelineDepth <= 0 {
		return fmt.Errorf("client: pipeline depth must be positive")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("client: block size must be positive")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("client: max sessions must be positive")
	}
	return nil
}

func (c Config) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) keepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}
