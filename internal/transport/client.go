package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxResponseBytes = 4 << 20

var ErrDeviceNotFound = errors.New("transport: device not found")

// Client issues bounded request/response calls against the remote dispatch service.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

func NewClient(cfg Config) *Client {
	cfg = cfg.WithDefaults()
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: observability.Component("transport"),
	}
}

// Config returns the resolved client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Call performs one request and returns the raw status and body. Timeouts, dial failures and 5xx
// answers come back as *Error; 4xx answers are returned as-is for the caller to interpret.
func (c *Client) Call(ctx context.Context, endpoint, method string, body any, timeout time.Duration) (int, []byte, error) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	op := strings.ToLower(method) + " " + endpoint
	start := time.Now()

	status, payload, err := c.do(ctx, endpoint, method, body, timeout)
	outcome := "ok"
	switch {
	case err != nil:
		var terr *Error
		if errors.As(err, &terr) {
			outcome = terr.Kind.String()
		} else {
			outcome = "error"
		}
	case status >= 400:
		outcome = "client_error"
	}
	observability.RecordTransportCall(endpoint, method, outcome, time.Since(start))
	if err != nil {
		c.logger.Debug().Str("op", op).Err(err).Msg("transport_call_failed")
		return status, payload, err
	}
	return status, payload, nil
}

func (c *Client) do(ctx context.Context, endpoint, method string, body any, timeout time.Duration) (int, []byte, error) {
	op := strings.ToLower(method) + " " + endpoint
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("transport: encode %s: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, method, c.cfg.ServerURL+endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: build %s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classify(op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, classify(op, err)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, payload, serverError(op, resp.StatusCode, reasonOf(payload))
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return resp.StatusCode, payload, serverError(op, resp.StatusCode, "unexpected redirect")
	}
	return resp.StatusCode, payload, nil
}

// RegisterDevice creates a device record and returns the assigned id and connection code.
func (c *Client) RegisterDevice(ctx context.Context, fields device.Fields) (device.Registration, error) {
	status, body, err := c.Call(ctx, c.cfg.Endpoints.RegisterDevice, http.MethodPost, fields, 0)
	if err != nil {
		return device.Registration{}, err
	}
	if err := rejection(status, body); err != nil {
		return device.Registration{}, err
	}
	var reg device.Registration
	if err := decode(body, &reg); err != nil {
		return device.Registration{}, err
	}
	if strings.TrimSpace(reg.DeviceID) == "" || strings.TrimSpace(reg.ConnectionCode) == "" {
		return device.Registration{}, fmt.Errorf("%w: registration missing device_id or connection_code", ErrInvalidResponse)
	}
	return reg, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]device.Device, error) {
	var out []device.Device
	if err := c.list(ctx, c.cfg.Endpoints.Devices, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListInterfaces(ctx context.Context) ([]device.Interface, error) {
	var out []device.Interface
	if err := c.list(ctx, c.cfg.Endpoints.Interfaces, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]device.Session, error) {
	var out []device.Session
	if err := c.list(ctx, c.cfg.Endpoints.Sessions, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LookupDevice resolves one device record by id from the device listing.
func (c *Client) LookupDevice(ctx context.Context, deviceID string) (device.Device, error) {
	list, err := c.ListDevices(ctx)
	if err != nil {
		return device.Device{}, err
	}
	for _, d := range list {
		if d.DeviceID == deviceID {
			return d, nil
		}
	}
	return device.Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, deviceID)
}

func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	endpoint := c.cfg.Endpoints.DeleteDevice + "/" + url.PathEscape(deviceID)
	status, body, err := c.Call(ctx, endpoint, http.MethodDelete, nil, 0)
	if err != nil {
		return err
	}
	return rejection(status, body)
}

// RegisterDeviceSession records that deviceID is live on the push channel socketID.
func (c *Client) RegisterDeviceSession(ctx context.Context, deviceID, socketID string) error {
	payload := map[string]string{"deviceId": deviceID, "socketId": socketID}
	status, body, err := c.Call(ctx, c.cfg.Endpoints.RegisterDeviceSession, http.MethodPost, payload, 0)
	if err != nil {
		return err
	}
	return rejection(status, body)
}

func (c *Client) DeleteSession(ctx context.Context, deviceID string) error {
	endpoint := c.cfg.Endpoints.DeleteSession + "/" + url.PathEscape(deviceID)
	status, body, err := c.Call(ctx, endpoint, http.MethodDelete, nil, 0)
	if err != nil {
		return err
	}
	return rejection(status, body)
}

// Ping reports whether the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.Call(ctx, c.cfg.Endpoints.Ping, http.MethodGet, nil, 0)
	if err != nil {
		return err
	}
	return rejection(status, body)
}

func (c *Client) list(ctx context.Context, endpoint string, out any) error {
	status, body, err := c.Call(ctx, endpoint, http.MethodGet, nil, 0)
	if err != nil {
		return err
	}
	if err := rejection(status, body); err != nil {
		return err
	}
	return decode(body, out)
}

// rejection converts a 4xx answer into a ValidationError carrying the service's reason.
func rejection(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	reason := reasonOf(body)
	if reason == "" {
		reason = http.StatusText(status)
	}
	return &device.ValidationError{Reason: reason, StatusCode: status}
}

func reasonOf(body []byte) string {
	var payload struct {
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if r := strings.TrimSpace(payload.Reason); r != "" {
			return r
		}
		return strings.TrimSpace(payload.Error)
	}
	return truncateReason(strings.TrimSpace(string(body)), maxReasonBytes)
}

const maxReasonBytes = 200

// truncateReason cuts text to at most limit bytes without splitting a rune.
func truncateReason(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func decode(body []byte, out any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidResponse)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
