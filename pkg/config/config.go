// Package config reads fairlock settings from flags, the environment and
// .env files. Environment variables are FAIRLOCK_<FLAG> with dashes turned
// into underscores (e.g. FAIRLOCK_DATA_DIR=/var/lib/fairlock).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "fairlock"

var dashReplacer = strings.NewReplacer("-", "_")

// flag keys shared by the commands and the config loaders
const (
	KeyNodeID         = "node-id"
	KeyRaftAddr       = "raft-addr"
	KeyAdvertiseAddr  = "advertise-addr"
	KeyGRPCAddr       = "grpc-addr"
	KeyHTTPAddr       = "http-addr"
	KeyDataDir        = "data-dir"
	KeyBootstrap      = "bootstrap"
	KeyJoin           = "join"
	KeyStandalone     = "standalone"
	KeyApplyTimeout   = "apply-timeout"
	KeyExpiryInterval = "expiry-interval"
	KeyHistoryLimit   = "history-limit"

	KeyEndpoints  = "endpoints"
	KeyTTL        = "ttl"
	KeyTimeout    = "timeout"
	KeyRetryDelay = "retry-delay"
)

// New returns a viper instance reading .env, .env.local and FAIRLOCK_*
// environment variables.
func New() *viper.Viper {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(dashReplacer)
	v.AutomaticEnv()

	SetDefaults(v)
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyRaftAddr, "127.0.0.1:7000")
	v.SetDefault(KeyGRPCAddr, ":9000")
	v.SetDefault(KeyHTTPAddr, ":8080")
	v.SetDefault(KeyDataDir, "./data")
	v.SetDefault(KeyApplyTimeout, 5*time.Second)
	v.SetDefault(KeyExpiryInterval, 500*time.Millisecond)
	v.SetDefault(KeyHistoryLimit, 1000)

	v.SetDefault(KeyEndpoints, "localhost:9000")
	v.SetDefault(KeyTTL, 10*time.Second)
	v.SetDefault(KeyTimeout, 5*time.Second)
	v.SetDefault(KeyRetryDelay, 100*time.Millisecond)
}

type ServerConfig struct {
	NodeID        uuid.UUID
	RaftAddr      string
	AdvertiseAddr string
	GRPCAddr      string
	HTTPAddr      string
	DataDir       string
	Bootstrap     bool
	Join          string // admin address of a running node to join through
	Standalone    bool   // serve an in-memory store instead of raft

	ApplyTimeout   time.Duration
	ExpiryInterval time.Duration
	HistoryLimit   int
}

// LoadServer reads the server settings; an empty node id gets a random one.
func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	cfg := &ServerConfig{
		RaftAddr:       v.GetString(KeyRaftAddr),
		AdvertiseAddr:  v.GetString(KeyAdvertiseAddr),
		GRPCAddr:       v.GetString(KeyGRPCAddr),
		HTTPAddr:       v.GetString(KeyHTTPAddr),
		DataDir:        v.GetString(KeyDataDir),
		Bootstrap:      v.GetBool(KeyBootstrap),
		Join:           v.GetString(KeyJoin),
		Standalone:     v.GetBool(KeyStandalone),
		ApplyTimeout:   v.GetDuration(KeyApplyTimeout),
		ExpiryInterval: v.GetDuration(KeyExpiryInterval),
		HistoryLimit:   v.GetInt(KeyHistoryLimit),
	}

	if id := v.GetString(KeyNodeID); id != "" {
		nid, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q: %w", id, err)
		}
		cfg.NodeID = nid
	} else {
		cfg.NodeID = uuid.New()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("grpc-addr is required")
	}
	if c.Standalone {
		return nil
	}
	if c.RaftAddr == "" {
		return errors.New("raft-addr is required")
	}
	if c.DataDir == "" {
		return errors.New("data-dir is required")
	}
	if c.Bootstrap && c.Join != "" {
		return errors.New("bootstrap and join are mutually exclusive")
	}
	if c.ApplyTimeout <= 0 || c.ExpiryInterval <= 0 {
		return errors.New("apply-timeout and expiry-interval must be positive")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("history-limit must be positive")
	}
	return nil
}

type ClientConfig struct {
	Endpoints  []string
	TTL        time.Duration
	Timeout    time.Duration
	RetryDelay time.Duration
}

func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	cfg := &ClientConfig{
		TTL:        v.GetDuration(KeyTTL),
		Timeout:    v.GetDuration(KeyTimeout),
		RetryDelay: v.GetDuration(KeyRetryDelay),
	}
	for _, e := range strings.Split(v.GetString(KeyEndpoints), ",") {
		if e = strings.TrimSpace(e); e != "" {
			cfg.Endpoints = append(cfg.Endpoints, e)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	if c.TTL < time.Second {
		return fmt.Errorf("ttl must be at least 1s, got %s", c.TTL)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.RetryDelay <= 0 {
		return errors.New("retry-delay must be positive")
	}
	return nil
}
