package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/corewire/buskit/client"
	"github.com/corewire/buskit/transport"
)

type fileConfig struct {
	Host                 string            `toml:"host"`
	Port                 int               `toml:"port"`
	Path                 string            `toml:"path"`
	ConnectHeaders       map[string]string `toml:"connect_headers"`
	DisableStickySession bool              `toml:"disable_sticky_session"`
	MaxReconnectAttempts int               `toml:"max_reconnect_attempts"`
	HandshakeTimeout     string            `toml:"handshake_timeout"`
	SendQueueLimit       int               `toml:"send_queue_limit"`
	StreamBuffer         int               `toml:"stream_buffer"`

	TLS struct {
		Enabled            bool   `toml:"enabled"`
		ServerName         string `toml:"server_name"`
		CAFile             string `toml:"ca_file"`
		CertFile           string `toml:"cert_file"`
		KeyFile            string `toml:"key_file"`
		Mutual             bool   `toml:"mutual"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`

	Backoff struct {
		InitialDelay string  `toml:"initial_delay"`
		Multiplier   float64 `toml:"multiplier"`
		MaxDelay     string  `toml:"max_delay"`
		Jitter       bool    `toml:"jitter"`
	} `toml:"backoff"`
}

func loadClientConfig(path string) (client.Config, error) {
	cfg := client.Config{}.WithDefaults()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return client.Config{}, fmt.Errorf("load bus config: %w", err)
	}

	cfg.Host = strings.TrimSpace(raw.Host)
	if cfg.Host == "" {
		return client.Config{}, fmt.Errorf("bus config missing host")
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("connect_headers") {
		cfg.ConnectHeaders = raw.ConnectHeaders
	}
	if meta.IsDefined("disable_sticky_session") {
		cfg.DisableStickySession = raw.DisableStickySession
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDurationField("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return client.Config{}, err
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("send_queue_limit") {
		cfg.SendQueueLimit = raw.SendQueueLimit
	}
	if meta.IsDefined("stream_buffer") {
		cfg.StreamBuffer = raw.StreamBuffer
	}

	if meta.IsDefined("tls") {
		cfg.TLS = transport.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			Mutual:             raw.TLS.Mutual,
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if meta.IsDefined("backoff", "initial_delay") {
		d, err := parseDurationField("backoff.initial_delay", raw.Backoff.InitialDelay)
		if err != nil {
			return client.Config{}, err
		}
		cfg.Backoff.InitialDelay = d
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Backoff.Multiplier = raw.Backoff.Multiplier
	}
	if meta.IsDefined("backoff", "max_delay") {
		d, err := parseDurationField("backoff.max_delay", raw.Backoff.MaxDelay)
		if err != nil {
			return client.Config{}, err
		}
		cfg.Backoff.MaxDelay = d
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Backoff.Jitter = raw.Backoff.Jitter
	}

	return cfg, nil
}

func parseDurationField(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}
