// Package config loads facade and server settings from YAML files:
//
//	# client.yaml
//	registry:
//	  endpoints: [127.0.0.1:2379]
//	service: Calc
//	mode: stateful
//	timeout: 3s
//	auto_reconnect: true
//	event_version: 2
//
//	# server.yaml
//	addr: :9090
//	compute: latest
//	broadcast_versions: [1, 2]
//	rate_limit: 1000
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"remoting/client"
	"remoting/codec"
	"remoting/loadbalance"
	"remoting/registry"
	"remoting/server"
)

// Duration is a time.Duration written as a string such as "250ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Registry selects an etcd cluster for service discovery.
type Registry struct {
	Endpoints   []string `yaml:"endpoints"`
	DialTimeout Duration `yaml:"dial_timeout,omitempty"`
}

func (r Registry) enabled() bool { return len(r.Endpoints) > 0 }

func (r Registry) open(logger *zap.Logger) (*registry.EtcdRegistry, error) {
	timeout := time.Duration(r.DialTimeout)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return registry.NewEtcdRegistry(r.Endpoints, timeout, logger)
}

// Client is the YAML form of client.Config.
type Client struct {
	Addr              string   `yaml:"addr,omitempty"`
	Registry          Registry `yaml:"registry,omitempty"`
	Service           string   `yaml:"service,omitempty"`
	Balancer          string   `yaml:"balancer,omitempty"`
	Mode              string   `yaml:"mode,omitempty"` // pool or stateful
	PoolMinConns      int      `yaml:"pool_min_conns,omitempty"`
	PoolMaxConns      int      `yaml:"pool_max_conns,omitempty"`
	BorrowTimeout     Duration `yaml:"borrow_timeout,omitempty"`
	Timeout           Duration `yaml:"timeout,omitempty"`
	AutoReconnect     bool     `yaml:"auto_reconnect,omitempty"`
	EventVersion      int      `yaml:"event_version,omitempty"`
	Codec             string   `yaml:"codec,omitempty"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`
}

// Server is the YAML form of server.Config.
type Server struct {
	Addr              string   `yaml:"addr,omitempty"`
	Compute           string   `yaml:"compute,omitempty"`
	ComputeVersion    int      `yaml:"compute_version,omitempty"`
	BroadcastVersions []int    `yaml:"broadcast_versions,omitempty"`
	Timeout           Duration `yaml:"timeout,omitempty"`
	CallTimeout       Duration `yaml:"call_timeout,omitempty"`
	RateLimit         float64  `yaml:"rate_limit,omitempty"`
	RateBurst         int      `yaml:"rate_burst,omitempty"`
	Registry          Registry `yaml:"registry,omitempty"`
	Service           string   `yaml:"service,omitempty"`
	AdvertiseAddr     string   `yaml:"advertise_addr,omitempty"`
	TTL               int64    `yaml:"ttl,omitempty"`
}

// ParseClient decodes a client document. Unknown keys are rejected.
func ParseClient(data []byte) (*Client, error) {
	var c Client
	if err := decodeStrict(data, &c); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	return &c, nil
}

// ParseServer decodes a server document. Unknown keys are rejected.
func ParseServer(data []byte) (*Server, error) {
	var s Server
	if err := decodeStrict(data, &s); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	return &s, nil
}

func LoadClient(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseClient(data)
}

func LoadServer(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseServer(data)
}

// Config converts the document. If a registry is configured, an etcd client is opened; the
// caller owns it and closes it after the facade.
func (c *Client) Config(logger *zap.Logger) (client.Config, *registry.EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := client.Config{
		Addr:              c.Addr,
		Service:           c.Service,
		PoolMinConns:      c.PoolMinConns,
		PoolMaxConns:      c.PoolMaxConns,
		BorrowTimeout:     time.Duration(c.BorrowTimeout),
		Timeout:           time.Duration(c.Timeout),
		AutoReconnect:     c.AutoReconnect,
		EventVersion:      c.EventVersion,
		HeartbeatInterval: time.Duration(c.HeartbeatInterval),
		Logger:            logger,
	}
	switch c.Mode {
	case "", "pool":
		cfg.Mode = client.ModePool
	case "stateful":
		cfg.Mode = client.ModeStateful
	default:
		return client.Config{}, nil, fmt.Errorf("unknown mode %q", c.Mode)
	}
	bal, ok := loadbalance.ByName(c.Balancer)
	if !ok {
		return client.Config{}, nil, fmt.Errorf("unknown balancer %q", c.Balancer)
	}
	cfg.Balancer = bal
	ct, err := codec.ParseCodecType(c.Codec)
	if err != nil {
		return client.Config{}, nil, err
	}
	cfg.CodecType = ct

	if !c.Registry.enabled() {
		return cfg, nil, nil
	}
	reg, err := c.Registry.open(logger)
	if err != nil {
		return client.Config{}, nil, err
	}
	cfg.Registry = reg
	return cfg, reg, nil
}

// Config converts the document. If a registry is configured, an etcd client is opened; the
// caller owns it and closes it after shutting the server down.
func (s *Server) Config(logger *zap.Logger) (server.Config, *registry.EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy, err := server.ParseComputePolicy(s.Compute)
	if err != nil {
		return server.Config{}, nil, err
	}
	cfg := server.Config{
		Addr:              s.Addr,
		Compute:           policy,
		ComputeVersion:    s.ComputeVersion,
		BroadcastVersions: s.BroadcastVersions,
		Timeout:           time.Duration(s.Timeout),
		CallTimeout:       time.Duration(s.CallTimeout),
		RateLimit:         s.RateLimit,
		RateBurst:         s.RateBurst,
		Service:           s.Service,
		AdvertiseAddr:     s.AdvertiseAddr,
		TTL:               s.TTL,
		Logger:            logger,
	}
	if !s.Registry.enabled() {
		return cfg, nil, nil
	}
	reg, err := s.Registry.open(logger)
	if err != nil {
		return server.Config{}, nil, err
	}
	cfg.Registry = reg
	return cfg, reg, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
