package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dispatchctl/internal/debugger"
)

type fileConfig struct {
	ServerURL          string        `toml:"server_url"`
	PushURL            string        `toml:"push_url"`
	RequestTimeout     string        `toml:"request_timeout"`
	PollInterval       string        `toml:"poll_interval"`
	HandlerBudget      string        `toml:"handler_budget"`
	AdminListenAddr    string        `toml:"admin_listen_addr"`
	AllowOrigins       []string      `toml:"allow_origins"`
	MaxConnectAttempts int           `toml:"max_connect_attempts"`
	RegisterSession    bool          `toml:"register_session"`
	DivergeAfter       int           `toml:"diverge_after"`
	Endpoints          fileEndpoints `toml:"endpoints"`
}

type fileEndpoints struct {
	RegisterDevice        string `toml:"register_device"`
	Devices               string `toml:"devices"`
	Interfaces            string `toml:"interfaces"`
	Sessions              string `toml:"sessions"`
	DeleteDevice          string `toml:"delete_device"`
	RegisterDeviceSession string `toml:"register_device_session"`
	DeleteSession         string `toml:"delete_session"`
	Ping                  string `toml:"ping"`
	Push                  string `toml:"push"`
}

func loadServiceConfig(path string) (debugger.ServiceConfig, error) {
	cfg := debugger.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return debugger.ServiceConfig{}, fmt.Errorf("load dispatchctl config: %w", err)
	}

	if meta.IsDefined("server_url") {
		cfg.Transport.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("push_url") {
		cfg.Transport.PushURL = strings.TrimSpace(raw.PushURL)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.Transport.RequestTimeout},
		{"poll_interval", raw.PollInterval, &cfg.Poll.Interval},
		{"handler_budget", raw.HandlerBudget, &cfg.Transport.HandlerBudget},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return debugger.ServiceConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		if v <= 0 {
			return debugger.ServiceConfig{}, fmt.Errorf("parse %s: must be positive, got %s", d.key, v)
		}
		*d.dst = v
	}

	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("allow_origins") {
		cfg.AllowOrigins = normalizeList(raw.AllowOrigins)
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.Transport.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("register_session") {
		cfg.Command.RegisterSession = raw.RegisterSession
	}
	if meta.IsDefined("diverge_after") {
		cfg.Command.DivergeAfter = raw.DivergeAfter
	}

	endpoints := []struct {
		key string
		raw string
		dst *string
	}{
		{"register_device", raw.Endpoints.RegisterDevice, &cfg.Transport.Endpoints.RegisterDevice},
		{"devices", raw.Endpoints.Devices, &cfg.Transport.Endpoints.Devices},
		{"interfaces", raw.Endpoints.Interfaces, &cfg.Transport.Endpoints.Interfaces},
		{"sessions", raw.Endpoints.Sessions, &cfg.Transport.Endpoints.Sessions},
		{"delete_device", raw.Endpoints.DeleteDevice, &cfg.Transport.Endpoints.DeleteDevice},
		{"register_device_session", raw.Endpoints.RegisterDeviceSession, &cfg.Transport.Endpoints.RegisterDeviceSession},
		{"delete_session", raw.Endpoints.DeleteSession, &cfg.Transport.Endpoints.DeleteSession},
		{"ping", raw.Endpoints.Ping, &cfg.Transport.Endpoints.Ping},
		{"push", raw.Endpoints.Push, &cfg.Transport.Endpoints.Push},
	}
	for _, e := range endpoints {
		if !meta.IsDefined("endpoints", e.key) {
			continue
		}
		v := strings.TrimSpace(e.raw)
		if !strings.HasPrefix(v, "/") {
			return debugger.ServiceConfig{}, fmt.Errorf("parse endpoints.%s: path must start with /", e.key)
		}
		*e.dst = v
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
