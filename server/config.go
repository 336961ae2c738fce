package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"remoting/registry"
)

// ComputePolicy selects which subscriber, if any, computes an event's args before broadcast.
type ComputePolicy int

const (
	// ComputeDisabled broadcasts the fired args unchanged.
	ComputeDisabled ComputePolicy = iota
	// ComputeFixedVersion delegates to a random subscriber whose event version is ComputeVersion.
	ComputeFixedVersion
	// ComputeLatest delegates to a random subscriber among those with the highest event version.
	ComputeLatest
)

func (p ComputePolicy) String() string {
	switch p {
	case ComputeDisabled:
		return "disabled"
	case ComputeFixedVersion:
		return "fixed_version"
	case ComputeLatest:
		return "latest"
	}
	return fmt.Sprintf("ComputePolicy(%d)", int(p))
}

// ParseComputePolicy is the inverse of ComputePolicy.String. The empty string is disabled.
func ParseComputePolicy(s string) (ComputePolicy, error) {
	switch s {
	case "", "disabled":
		return ComputeDisabled, nil
	case "fixed_version":
		return ComputeFixedVersion, nil
	case "latest":
		return ComputeLatest, nil
	}
	return 0, fmt.Errorf("unknown compute policy %q", s)
}

// Config configures a Server. Zero values fall back to the defaults noted per field.
type Config struct {
	// Addr is the listen address (default ":0").
	Addr string

	Compute        ComputePolicy
	ComputeVersion int
	// BroadcastVersions restricts broadcasts to subscribers with one of these event versions
	// when the fired args carry no Versions of their own. Empty means everyone.
	BroadcastVersions []int
	// Timeout bounds the wait for a compute reply and every write to a client (default 5s).
	Timeout time.Duration

	// CallTimeout bounds a single method invocation. 0 disables it.
	CallTimeout time.Duration
	// RateLimit caps method invocations per second across all clients. 0 disables it.
	RateLimit float64
	RateBurst int // default max(1, RateLimit)

	// Registry, if set, advertises AdvertiseAddr (default: the listener address) under Service
	// (default: the target's type name) for TTL seconds, kept alive until Shutdown.
	Registry      registry.Registry
	Service       string
	AdvertiseAddr string
	TTL           int64 // default 10

	// Metrics registers the server's collectors. Nil keeps them unregistered.
	Metrics prometheus.Registerer
	Logger  *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":0"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	if c.TTL <= 0 {
		c.TTL = 10
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
