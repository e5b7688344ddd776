package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Outbound and inbound push event names.
const (
	EventDeviceConnect       = "device_connect_to_dispatcher"
	EventDeviceDisconnect    = "device_disconnect_from_dispatcher"
	EventInterfaceDisconnect = "interface_disconnect_from_dispatcher"

	EventMessageFromDevice     = "message_from_device"
	EventDeviceConnected       = "device_connected"
	EventDeviceDisconnected    = "device_disconnected"
	EventInterfaceDisconnected = "interface_disconnected"
	EventDeviceRegistered      = "device_registered"
	EventDeviceDeleted         = "device_deleted"
)

const ChannelIDHeader = "X-Channel-ID"

// Envelope is the JSON frame carried by every push message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler consumes one inbound event payload on the channel's delivery goroutine.
type Handler func(payload json.RawMessage)

// PushChannel is one live websocket to the dispatch service.
type PushChannel struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	budget       time.Duration
	logger       zerolog.Logger

	writeMu    sync.Mutex
	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	live      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func newPushChannel(id string, conn *websocket.Conn, cfg Config, logger zerolog.Logger) *PushChannel {
	ch := &PushChannel{
		id:           id,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		budget:       cfg.HandlerBudget,
		logger:       logger.With().Str("channel_id", id).Logger(),
		handlers:     make(map[string][]Handler),
		done:         make(chan struct{}),
	}
	ch.live.Store(true)
	return ch
}

// ID is the socket id the service knows this channel by.
func (ch *PushChannel) ID() string {
	return ch.id
}

func (ch *PushChannel) Live() bool {
	return ch.live.Load()
}

// Done closes once the delivery loop has stopped.
func (ch *PushChannel) Done() <-chan struct{} {
	return ch.done
}

// OnEvent registers h for name. Handlers run in delivery order on one goroutine.
func (ch *PushChannel) OnEvent(name string, h Handler) {
	if h == nil {
		return
	}
	ch.handlersMu.Lock()
	defer ch.handlersMu.Unlock()
	if ch.handlers == nil {
		return
	}
	ch.handlers[name] = append(ch.handlers[name], h)
}

// Emit writes one event. A failure is logged and also returned so callers that need local
// confirmation of the write can act on it; nothing is retried.
func (ch *PushChannel) Emit(name string, payload any) error {
	err := ch.emit(name, payload)
	observability.RecordPushEvent("outbound", name, err == nil)
	if err != nil {
		ch.logger.Warn().Str("event", name).Err(err).Msg("push_emit_failed")
		return err
	}
	ch.logger.Debug().Str("event", name).Msg("push_emit")
	return nil
}

func (ch *PushChannel) emit(name string, payload any) error {
	if !ch.Live() {
		return ErrChannelClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", name, err)
	}
	frame, err := json.Marshal(Envelope{Event: name, Data: data})
	if err != nil {
		return fmt.Errorf("transport: encode envelope %s: %w", name, err)
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout))
	if err := ch.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return classify("push emit "+name, err)
	}
	return nil
}

// Close unregisters every handler and closes the socket. Safe to call repeatedly.
func (ch *PushChannel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.live.Store(false)
		ch.handlersMu.Lock()
		ch.handlers = nil
		ch.handlersMu.Unlock()

		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		ch.writeMu.Unlock()
		err = ch.conn.Close()
	})
	return err
}

func (ch *PushChannel) readLoop() {
	defer close(ch.done)
	defer ch.live.Store(false)
	for {
		_, raw, err := ch.conn.ReadMessage()
		if err != nil {
			if ch.Live() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.logger.Warn().Err(err).Msg("push_channel_lost")
			} else {
				ch.logger.Debug().Err(err).Msg("push_channel_closed")
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			ch.logger.Warn().Int("bytes", len(raw)).Msg("push_frame_malformed")
			continue
		}
		ch.deliver(env)
	}
}

func (ch *PushChannel) deliver(env Envelope) {
	ch.handlersMu.RLock()
	handlers := append([]Handler(nil), ch.handlers[env.Event]...)
	ch.handlersMu.RUnlock()

	observability.RecordPushEvent("inbound", env.Event, len(handlers) > 0)
	if len(handlers) == 0 {
		ch.logger.Debug().Str("event", env.Event).Msg("push_event_unhandled")
		return
	}
	for _, h := range handlers {
		start := time.Now()
		h(env.Data)
		if elapsed := time.Since(start); elapsed > ch.budget {
			ch.logger.Warn().
				Str("event", env.Event).
				Dur("elapsed", elapsed).
				Dur("budget", ch.budget).
				Msg("push_handler_slow")
		}
	}
}

// Pusher owns the single push channel to the service and serializes opens.
type Pusher struct {
	cfg    Config
	dialer websocket.Dialer
	logger zerolog.Logger
	rng    *rand.Rand

	// mu serializes opens and guards onOpen; current is readable without it.
	mu      sync.Mutex
	current atomic.Pointer[PushChannel]
	onOpen  []func(*PushChannel)
}

func NewPusher(cfg Config) *Pusher {
	cfg = cfg.WithDefaults()
	return &Pusher{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger: observability.Component("push"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnOpen registers fn to run against every newly opened channel before its delivery loop starts.
func (p *Pusher) OnOpen(fn func(*PushChannel)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onOpen = append(p.onOpen, fn)
}

// Current returns the live channel, or nil.
func (p *Pusher) Current() *PushChannel {
	if ch := p.current.Load(); ch != nil && ch.Live() {
		return ch
	}
	return nil
}

// Open returns the live channel, dialing a new one if needed. The lock is held for the whole
// attempt so concurrent callers wait for the in-flight dial instead of opening a second socket.
func (p *Pusher) Open(ctx context.Context) (*PushChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch := p.current.Load(); ch != nil {
		if ch.Live() {
			return ch, nil
		}
		_ = ch.Close()
		p.current.Store(nil)
	}

	addr, err := p.cfg.PushAddress()
	if err != nil {
		return nil, fmt.Errorf("transport: push address: %w", err)
	}

	var attempt int
	for {
		attempt++
		ch, err := p.dial(ctx, addr)
		if err == nil {
			for _, fn := range p.onOpen {
				fn(ch)
			}
			go ch.readLoop()
			p.current.Store(ch)
			p.logger.Info().Str("channel_id", ch.ID()).Str("addr", addr).Msg("push_channel_open")
			return ch, nil
		}
		p.logger.Warn().Int("attempt", attempt).Str("addr", addr).Err(err).Msg("push_dial_failed")
		if p.cfg.MaxConnectAttempts > 0 && attempt >= p.cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := p.sleepBackoff(ctx, attempt); err != nil {
			return nil, classify("push open", err)
		}
	}
}

// Close closes the current channel, if any.
func (p *Pusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := p.current.Swap(nil)
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (p *Pusher) dial(ctx context.Context, addr string) (*PushChannel, error) {
	id := uuid.NewString()
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: push address: %w", err)
	}
	q := u.Query()
	q.Set("sid", id)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set(ChannelIDHeader, id)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	conn, resp, err := p.dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 500 {
			return nil, serverError("push open", resp.StatusCode, resp.Status)
		}
		return nil, classify("push open", err)
	}
	return newPushChannel(id, conn, p.cfg, p.logger), nil
}

func (p *Pusher) sleepBackoff(ctx context.Context, attempt int) error {
	delay := p.cfg.Backoff.Delay(attempt, p.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
