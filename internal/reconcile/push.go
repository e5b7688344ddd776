package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/danmuck/dispatchctl/internal/store"
	"github.com/danmuck/dispatchctl/internal/transport"
	"github.com/rs/zerolog"
)

var ErrQueueFull = errors.New("reconcile: push queue full")

// Lookup resolves a device the store does not know yet.
type Lookup interface {
	LookupDevice(ctx context.Context, deviceID string) (device.Device, error)
}

type PushConfig struct {
	QueueSize      int
	LookupTimeout  time.Duration
	MessageHistory int
}

func DefaultPushConfig() PushConfig {
	return PushConfig{
		QueueSize:      256,
		LookupTimeout:  5 * time.Second,
		MessageHistory: 100,
	}
}

// Applied is what the listener did with one inbound event, reported to observers after any store
// mutation has been published.
type Applied struct {
	Event       string
	DeviceID    string
	InterfaceID string
	Changed     bool
	At          time.Time
}

// DeviceMessage is one message_from_device payload kept for display.
type DeviceMessage struct {
	DeviceID   string    `json:"device_id,omitempty"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"received_at"`
}

type inbound struct {
	event   string
	payload json.RawMessage
}

// eventPayload accepts both the camelCase keys the service emits and snake_case variants.
type eventPayload struct {
	DeviceID         string `json:"deviceId"`
	DeviceIDSnake    string `json:"device_id"`
	InterfaceID      string `json:"interfaceId"`
	InterfaceIDSnake string `json:"interface_id"`
	Message          string `json:"message"`
}

func (p eventPayload) deviceID() string {
	return strings.TrimSpace(firstNonEmpty(p.DeviceID, p.DeviceIDSnake))
}

func (p eventPayload) interfaceID() string {
	return strings.TrimSpace(firstNonEmpty(p.InterfaceID, p.InterfaceIDSnake))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Listener turns push events into store mutations. Channel handlers only enqueue; a single
// worker applies events in delivery order.
type Listener struct {
	cfg    PushConfig
	lookup Lookup
	store  *store.Store
	logger zerolog.Logger
	queue  chan inbound

	mu        sync.Mutex
	messages  []DeviceMessage
	observers []func(Applied)
}

func NewListener(cfg PushConfig, lookup Lookup, st *store.Store) *Listener {
	def := DefaultPushConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.MessageHistory <= 0 {
		cfg.MessageHistory = def.MessageHistory
	}
	return &Listener{
		cfg:    cfg,
		lookup: lookup,
		store:  st,
		logger: observability.Component("push_reconcile"),
		queue:  make(chan inbound, cfg.QueueSize),
	}
}

// Bind attaches the listener to every channel p opens from now on.
func (l *Listener) Bind(p *transport.Pusher) {
	p.OnOpen(l.Attach)
}

// Attach registers the listener's handlers on ch.
func (l *Listener) Attach(ch *transport.PushChannel) {
	for _, name := range []string{
		transport.EventDeviceConnected,
		transport.EventDeviceDisconnected,
		transport.EventInterfaceDisconnected,
		transport.EventMessageFromDevice,
		transport.EventDeviceRegistered,
		transport.EventDeviceDeleted,
	} {
		name := name
		ch.OnEvent(name, func(payload json.RawMessage) {
			if err := l.Enqueue(name, payload); err != nil {
				l.logger.Warn().Str("event", name).Err(err).Msg("push_event_dropped")
			}
		})
	}
}

// OnApplied registers fn to observe every applied event. Observers run on the worker goroutine.
func (l *Listener) OnApplied(fn func(Applied)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Enqueue hands one event to the worker without blocking the delivery goroutine. A dropped event
// is repaired by the next poll cycle.
func (l *Listener) Enqueue(event string, payload json.RawMessage) error {
	select {
	case l.queue <- inbound{event: event, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run consumes queued events until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.queue:
			l.Apply(ctx, ev.event, ev.payload)
		}
	}
}

// Apply handles one event synchronously.
func (l *Listener) Apply(ctx context.Context, event string, payload json.RawMessage) Applied {
	var p eventPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			l.logger.Warn().Str("event", event).Err(err).Msg("push_payload_invalid")
			return Applied{Event: event}
		}
	}
	result := Applied{Event: event, DeviceID: p.deviceID(), InterfaceID: p.interfaceID(), At: time.Now()}

	switch event {
	case transport.EventDeviceConnected:
		result.Changed = l.connected(ctx, result.DeviceID)
	case transport.EventDeviceDisconnected:
		result.Changed = l.disconnected(result.DeviceID)
	case transport.EventInterfaceDisconnected:
		result.Changed = l.interfaceDisconnected(result.InterfaceID)
	case transport.EventMessageFromDevice:
		l.remember(DeviceMessage{DeviceID: result.DeviceID, Message: p.Message, ReceivedAt: result.At})
		l.logger.Info().Str("device_id", result.DeviceID).Str("message", p.Message).Msg("device_message")
	case transport.EventDeviceRegistered, transport.EventDeviceDeleted:
		l.logger.Debug().Str("event", event).Str("device_id", result.DeviceID).Msg("catalog_event")
	default:
		l.logger.Debug().Str("event", event).Msg("push_event_ignored")
		return result
	}

	l.mu.Lock()
	observers := append([]func(Applied){}, l.observers...)
	l.mu.Unlock()
	for _, fn := range observers {
		fn(result)
	}
	return result
}

func (l *Listener) connected(ctx context.Context, deviceID string) bool {
	if deviceID == "" {
		l.logger.Warn().Msg("push_connected_without_device")
		return false
	}
	if _, ok := l.store.Snapshot().Device(deviceID); ok {
		return false
	}

	deviceType, code := device.UnknownField, device.UnknownField
	lookupCtx, cancel := context.WithTimeout(ctx, l.cfg.LookupTimeout)
	d, err := l.lookup.LookupDevice(lookupCtx, deviceID)
	cancel()
	if err != nil {
		l.logger.Warn().Str("device_id", deviceID).Err(err).Msg("push_lookup_failed")
	} else {
		deviceType, code = orUnknown(d.Type), orUnknown(d.ConnectionCode)
	}

	out, err := l.store.Apply(store.Upsert(deviceID, deviceType, code))
	if err != nil {
		l.logger.Warn().Str("device_id", deviceID).Err(err).Msg("push_upsert_failed")
		return false
	}
	return out.Changed
}

func (l *Listener) disconnected(deviceID string) bool {
	if _, err := l.store.Apply(store.Remove(deviceID)); err != nil {
		warn := &device.ConsistencyWarning{Op: "push disconnect", DeviceID: deviceID, Detail: err.Error()}
		l.logger.Warn().Err(warn).Msg("push_disconnect_noop")
		return false
	}
	return true
}

func (l *Listener) interfaceDisconnected(interfaceID string) bool {
	if _, err := l.store.Apply(store.RemoveInterface(interfaceID)); err != nil {
		warn := &device.ConsistencyWarning{Op: "push interface disconnect", Detail: err.Error()}
		l.logger.Warn().Str("interface_id", interfaceID).Err(warn).Msg("push_interface_disconnect_noop")
		return false
	}
	return true
}

func (l *Listener) remember(msg DeviceMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
	if over := len(l.messages) - l.cfg.MessageHistory; over > 0 {
		l.messages = append([]DeviceMessage(nil), l.messages[over:]...)
	}
}

// Messages returns recent device messages, oldest first.
func (l *Listener) Messages() []DeviceMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeviceMessage(nil), l.messages...)
}
