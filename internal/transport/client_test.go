package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/testutil/fakedispatch"
	"github.com/danmuck/dispatchctl/internal/testutil/testlog"
)

func newTestClient(t *testing.T, srv *fakedispatch.Server) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = srv.URL()
	cfg.RequestTimeout = 500 * time.Millisecond
	return NewClient(cfg)
}

func TestRegisterThenListRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	client := newTestClient(t, srv)
	ctx := context.Background()

	reg, err := client.RegisterDevice(ctx, device.Fields{
		Type:     "camera",
		IP:       "10.0.0.5",
		Port:     8080,
		Subnet:   "10.0.0.0/24",
		IsPublic: false,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ConnectionCode == "" || reg.DeviceID == "" {
		t.Fatalf("expected assigned id and code: %+v", reg)
	}

	list, err := client.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	var found bool
	for _, d := range list {
		if d.ConnectionCode == reg.ConnectionCode {
			found = true
			if d.DeviceID != reg.DeviceID {
				t.Fatalf("code %q maps to %q, want %q", d.ConnectionCode, d.DeviceID, reg.DeviceID)
			}
			if d.Type != "camera" || d.Port != 8080 || bool(d.IsPublic) {
				t.Fatalf("unexpected record: %+v", d)
			}
		}
	}
	if !found {
		t.Fatalf("registered code %q missing from %+v", reg.ConnectionCode, list)
	}
}

func TestConcurrentRegistrationsGetDistinctCodes(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	client := newTestClient(t, srv)

	payloads := []device.Fields{
		{Type: "camera", IP: "10.0.0.5", Port: 8080, Subnet: "10.0.0.0/24"},
		{Type: "sensor", IP: "10.0.0.6", Port: 9090, Subnet: "10.0.0.0/24"},
	}
	regs := make([]device.Registration, len(payloads))
	errs := make([]error, len(payloads))
	var wg sync.WaitGroup
	for i := range payloads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			regs[i], errs[i] = client.RegisterDevice(context.Background(), payloads[i])
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if regs[0].ConnectionCode == regs[1].ConnectionCode {
		t.Fatalf("connection codes collided: %q", regs[0].ConnectionCode)
	}
	if regs[0].DeviceID == regs[1].DeviceID {
		t.Fatalf("device ids collided: %q", regs[0].DeviceID)
	}

	list, err := client.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 devices, got %+v", list)
	}
}

func TestRegisterRejectedIsValidationError(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	client := newTestClient(t, srv)
	fields := device.Fields{Type: "camera", IP: "10.0.0.5", Port: 8080, Subnet: "10.0.0.0/24"}

	if _, err := client.RegisterDevice(context.Background(), fields); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := client.RegisterDevice(context.Background(), fields)
	if !errors.Is(err, device.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *device.ValidationError
	if !errors.As(err, &verr) || verr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected error shape: %#v", err)
	}
	if verr.Reason != "Device with this IP and port already exists" {
		t.Fatalf("unexpected reason: %q", verr.Reason)
	}
	if IsTransport(err) {
		t.Fatalf("validation error must not classify as transport")
	}
}

func TestCallClassifiesServerError(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	srv.SetFault("/admin/sessions", fakedispatch.Fault{Status: http.StatusServiceUnavailable})
	client := newTestClient(t, srv)

	_, err := client.ListSessions(context.Background())
	if !errors.Is(err, ErrServerError) {
		t.Fatalf("expected server error, got %v", err)
	}
	var terr *Error
	if !errors.As(err, &terr) || terr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestCallClassifiesTimeout(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	srv.SetFault("/admin/devices", fakedispatch.Fault{Delay: time.Second})
	client := newTestClient(t, srv)

	start := time.Now()
	_, _, err := client.Call(context.Background(), "/admin/devices", http.MethodGet, nil, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 800*time.Millisecond {
		t.Fatalf("call was not bounded: %v", elapsed)
	}
}

func TestCallClassifiesUnreachable(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := DefaultConfig()
	cfg.ServerURL = "http://" + addr
	client := NewClient(cfg)
	err = client.Ping(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
}

func TestDeleteDeviceNotFound(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	client := newTestClient(t, srv)

	err := client.DeleteDevice(context.Background(), "missing")
	var verr *device.ValidationError
	if !errors.As(err, &verr) || verr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 validation error, got %v", err)
	}
}

func TestSessionLifecycleCalls(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	client := newTestClient(t, srv)
	ctx := context.Background()

	if err := client.RegisterDeviceSession(ctx, "dev-1", "sock-1"); err != nil {
		t.Fatalf("register session: %v", err)
	}
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].DeviceID != "dev-1" || sessions[0].SocketID != "sock-1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if err := client.DeleteSession(ctx, "dev-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if err := client.DeleteSession(ctx, "dev-1"); !errors.Is(err, device.ErrValidation) {
		t.Fatalf("expected not-found rejection, got %v", err)
	}
}

func TestLookupDevice(t *testing.T) {
	testlog.Start(t)
	srv := fakedispatch.New()
	defer srv.Close()
	srv.PutDevice(device.Device{DeviceID: "dev-7", Type: "sensor", ConnectionCode: "ABCD1234"})
	client := newTestClient(t, srv)

	d, err := client.LookupDevice(context.Background(), "dev-7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.ConnectionCode != "ABCD1234" {
		t.Fatalf("unexpected device: %+v", d)
	}
	if _, err := client.LookupDevice(context.Background(), "dev-8"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	if got := cfg.Delay(1, nil); got != 100*time.Millisecond {
		t.Fatalf("attempt 1: %v", got)
	}
	if got := cfg.Delay(2, nil); got != 200*time.Millisecond {
		t.Fatalf("attempt 2: %v", got)
	}
	if got := cfg.Delay(5, nil); got != 300*time.Millisecond {
		t.Fatalf("attempt 5 should cap: %v", got)
	}
	cfg.Jitter = true
	if got := cfg.Delay(1, nil); got != 50*time.Millisecond {
		t.Fatalf("jitter without rng should halve: %v", got)
	}
	if got := (BackoffConfig{}).Delay(3, nil); got != 0 {
		t.Fatalf("zero config should not wait: %v", got)
	}
}

func TestPushAddressDerivation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerURL = "https://dispatch.example:8443/base/"
	cfg = cfg.WithDefaults()
	addr, err := cfg.PushAddress()
	if err != nil {
		t.Fatalf("push address: %v", err)
	}
	if addr != "wss://dispatch.example:8443/base/ws" {
		t.Fatalf("unexpected push address: %q", addr)
	}
	cfg.PushURL = "ws://other:1/events"
	if addr, _ := cfg.PushAddress(); addr != "ws://other:1/events" {
		t.Fatalf("explicit push url ignored: %q", addr)
	}
}

func TestReasonOfTruncatesOnRuneBoundary(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"ascii", strings.Repeat("x", 250), strings.Repeat("x", 200)},
		{"two byte rune across limit", strings.Repeat("a", 199) + "é" + "tail", strings.Repeat("a", 199)},
		{"three byte runes", strings.Repeat("€", 100), strings.Repeat("€", 66)},
		{"short text untouched", "  dispatcher offline  ", "dispatcher offline"},
		{"json reason wins", `{"reason":"device exists"}`, "device exists"},
	}
	for _, tc := range cases {
		got := reasonOf([]byte(tc.body))
		if got != tc.want {
			t.Fatalf("%s: got %q (%d bytes), want %d bytes", tc.name, got, len(got), len(tc.want))
		}
		if !utf8.ValidString(got) {
			t.Fatalf("%s: reason is not valid utf-8: %q", tc.name, got)
		}
	}
}
