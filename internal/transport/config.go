package transport

import (
	"net/url"
	"strings"
	"time"
)

// Endpoints names the remote service paths; they are configuration, not protocol.
type Endpoints struct {
	RegisterDevice        string
	Devices               string
	Interfaces            string
	Sessions              string
	DeleteDevice          string
	RegisterDeviceSession string
	DeleteSession         string
	Ping                  string
	Push                  string
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines the remote dispatch service location and call bounds.
type Config struct {
	ServerURL          string
	PushURL            string
	RequestTimeout     time.Duration
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	HandlerBudget      time.Duration
	MaxConnectAttempts int
	Endpoints          Endpoints
	Backoff            BackoffConfig
}

// DefaultConfig matches the dispatcher's stock routes on localhost:3000.
func DefaultConfig() Config {
	return Config{
		ServerURL:          "http://localhost:3000",
		RequestTimeout:     5 * time.Second,
		ConnectTimeout:     5 * time.Second,
		WriteTimeout:       5 * time.Second,
		HandlerBudget:      250 * time.Millisecond,
		MaxConnectAttempts: 3,
		Endpoints: Endpoints{
			RegisterDevice:        "/api/register_device",
			Devices:               "/admin/devices",
			Interfaces:            "/admin/interfaces",
			Sessions:              "/admin/sessions",
			DeleteDevice:          "/api/delete_device",
			RegisterDeviceSession: "/api/register_device_session",
			DeleteSession:         "/api/sessions",
			Ping:                  "/ping",
			Push:                  "/ws",
		},
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ServerURL) == "" {
		c.ServerURL = def.ServerURL
	}
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HandlerBudget <= 0 {
		c.HandlerBudget = def.HandlerBudget
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = def.Backoff
	}
	e := &c.Endpoints
	fill := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	fill(&e.RegisterDevice, def.Endpoints.RegisterDevice)
	fill(&e.Devices, def.Endpoints.Devices)
	fill(&e.Interfaces, def.Endpoints.Interfaces)
	fill(&e.Sessions, def.Endpoints.Sessions)
	fill(&e.DeleteDevice, def.Endpoints.DeleteDevice)
	fill(&e.RegisterDeviceSession, def.Endpoints.RegisterDeviceSession)
	fill(&e.DeleteSession, def.Endpoints.DeleteSession)
	fill(&e.Ping, def.Endpoints.Ping)
	fill(&e.Push, def.Endpoints.Push)
	return c
}

// PushAddress resolves the websocket URL, deriving it from ServerURL when unset.
func (c Config) PushAddress() (string, error) {
	if raw := strings.TrimSpace(c.PushURL); raw != "" {
		return raw, nil
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Endpoints.Push
	return u.String(), nil
}
