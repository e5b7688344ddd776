// Package command issues user-initiated register, connect, disconnect and delete commands and
// tracks each device through its lifecycle.
package command

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/danmuck/dispatchctl/internal/reconcile"
	"github.com/danmuck/dispatchctl/internal/store"
	"github.com/danmuck/dispatchctl/internal/transport"
	"github.com/rs/zerolog"
)

const (
	CommandRegister            = "register"
	CommandConnect             = "connect"
	CommandDisconnect          = "disconnect"
	CommandDisconnectInterface = "disconnect_interface"
	CommandDelete              = "delete"
)

// Remote is the request/response side of the dispatch service.
type Remote interface {
	RegisterDevice(ctx context.Context, fields device.Fields) (device.Registration, error)
	ListDevices(ctx context.Context) ([]device.Device, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	RegisterDeviceSession(ctx context.Context, deviceID, socketID string) error
	DeleteSession(ctx context.Context, deviceID string) error
}

// Channel is the outbound half of a push channel.
type Channel interface {
	ID() string
	Emit(event string, payload any) error
}

type ChannelOpener interface {
	OpenChannel(ctx context.Context) (Channel, error)
}

// PusherOpener adapts a transport.Pusher to ChannelOpener.
type PusherOpener struct {
	Pusher *transport.Pusher
}

func (o PusherOpener) OpenChannel(ctx context.Context) (Channel, error) {
	ch, err := o.Pusher.Open(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type Config struct {
	// RegisterSession records a session row with the service before the connect notification.
	RegisterSession bool
	// DivergeAfter is how many qualifying poll cycles may contradict an optimistic command before
	// it is marked diverged.
	DivergeAfter   int
	RefreshTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RegisterSession: true,
		DivergeAfter:    2,
		RefreshTimeout:  5 * time.Second,
	}
}

// Result is what a command reports back for display.
type Result struct {
	Command        string   `json:"command"`
	DeviceID       string   `json:"device_id,omitempty"`
	InterfaceID    string   `json:"interface_id,omitempty"`
	ConnectionCode string   `json:"connection_code,omitempty"`
	State          State    `json:"state"`
	Outcome        Outcome  `json:"outcome"`
	Warnings       []string `json:"warnings,omitempty"`
}

// DeviceView is one catalog row.
type DeviceView struct {
	Device  device.Device `json:"device"`
	State   State         `json:"state"`
	Pending *Pending      `json:"pending,omitempty"`
}

type record struct {
	device device.Device
	state  State
	busy   bool
	// gen orders records by when they entered the catalog.
	gen uint64
}

// Dispatcher coordinates both transports and applies optimistic changes to the store.
type Dispatcher struct {
	cfg    Config
	remote Remote
	opener ChannelOpener
	store  *store.Store
	outbox *Outbox
	logger zerolog.Logger

	mu      sync.Mutex
	records map[string]*record
	gen     uint64
}

func New(cfg Config, remote Remote, opener ChannelOpener, st *store.Store) *Dispatcher {
	def := DefaultConfig()
	if cfg.DivergeAfter <= 0 {
		cfg.DivergeAfter = def.DivergeAfter
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	return &Dispatcher{
		cfg:     cfg,
		remote:  remote,
		opener:  opener,
		store:   st,
		outbox:  NewOutbox(),
		logger:  observability.Component("command"),
		records: make(map[string]*record),
	}
}

// Register validates fields and registers a new device with the service.
func (d *Dispatcher) Register(ctx context.Context, fields device.Fields) (Result, error) {
	res := Result{Command: CommandRegister, State: StateUnregistered}
	fields = fields.Normalized()
	if err := fields.Validate(); err != nil {
		return d.failed(res, err)
	}
	reg, err := d.remote.RegisterDevice(ctx, fields)
	if err != nil {
		return d.failed(res, err)
	}

	dev := device.Device{
		DeviceID:       reg.DeviceID,
		Type:           firstNonEmpty(reg.Type, fields.Type),
		IP:             fields.IP,
		Port:           fields.Port,
		Subnet:         fields.Subnet,
		IsPublic:       device.Flag(fields.IsPublic),
		ConnectionCode: reg.ConnectionCode,
	}
	d.mu.Lock()
	d.records[dev.DeviceID] = d.newRecordLocked(dev, StateRegistered)
	d.mu.Unlock()

	res.DeviceID = dev.DeviceID
	res.ConnectionCode = dev.ConnectionCode
	res.State = StateRegistered
	res.Outcome = OutcomeConfirmedRemotely
	d.logger.Info().
		Str("device_id", dev.DeviceID).
		Str("type", dev.Type).
		Str("connection_code", dev.ConnectionCode).
		Msg("device_registered")
	observability.RecordCommand(CommandRegister, res.Outcome.String())
	return res, nil
}

// Connect opens or reuses the push channel, records the session and announces the device. The
// device is marked connected and added to the store only after the announcement is written.
func (d *Dispatcher) Connect(ctx context.Context, deviceID string) (Result, error) {
	deviceID = strings.TrimSpace(deviceID)
	res := Result{Command: CommandConnect, DeviceID: deviceID}
	d.ensureKnown(ctx, deviceID)

	rec, err := d.begin(CommandConnect, deviceID, StateConnecting, StateRegistered)
	if err != nil {
		res.State = d.State(deviceID)
		return d.failed(res, err)
	}
	res.ConnectionCode = rec.device.ConnectionCode

	rollback := func(err error) (Result, error) {
		d.outbox.Remove(deviceID)
		d.finish(deviceID, StateRegistered)
		res.State = StateRegistered
		return d.failed(res, err)
	}

	ch, err := d.opener.OpenChannel(ctx)
	if err != nil {
		return rollback(err)
	}
	if d.cfg.RegisterSession {
		if err := d.remote.RegisterDeviceSession(ctx, deviceID, ch.ID()); err != nil {
			return rollback(err)
		}
	}
	d.outbox.Upsert(Pending{
		DeviceID: deviceID,
		Command:  CommandConnect,
		Status:   OutcomeAppliedLocally,
		Since:    time.Now(),
	})
	if err := ch.Emit(transport.EventDeviceConnect, map[string]string{"deviceId": deviceID}); err != nil {
		if d.cfg.RegisterSession {
			d.deleteSession(ctx, deviceID)
		}
		return rollback(err)
	}
	if _, err := d.store.Apply(store.Upsert(deviceID, rec.device.Type, rec.device.ConnectionCode)); err != nil {
		return rollback(err)
	}
	d.finish(deviceID, StateConnected)

	res.State = StateConnected
	res.Outcome = OutcomeAppliedLocally
	if p, ok := d.outbox.Get(deviceID); ok && p.Command == CommandConnect {
		res.Outcome = p.Status
	}
	d.logger.Info().Str("device_id", deviceID).Str("channel_id", ch.ID()).Msg("device_connect_sent")
	observability.RecordCommand(CommandConnect, res.Outcome.String())
	return res, nil
}

// Disconnect announces the disconnect, deletes the session record and removes the device from
// the store. Remote failures are returned but never stop the local removal.
func (d *Dispatcher) Disconnect(ctx context.Context, deviceID string) (Result, error) {
	deviceID = strings.TrimSpace(deviceID)
	res := Result{Command: CommandDisconnect, DeviceID: deviceID}
	d.adoptConnected(deviceID)

	rec, err := d.begin(CommandDisconnect, deviceID, StateDisconnecting, StateConnected)
	if err != nil {
		res.State = d.State(deviceID)
		return d.failed(res, err)
	}
	res.ConnectionCode = rec.device.ConnectionCode

	var errs []error
	ch, err := d.opener.OpenChannel(ctx)
	if err != nil {
		d.logger.Warn().Str("device_id", deviceID).Err(err).Msg("disconnect_channel_unavailable")
		errs = append(errs, err)
	} else if err := ch.Emit(transport.EventDeviceDisconnect, map[string]string{"deviceId": deviceID}); err != nil {
		errs = append(errs, err)
	}
	if err := d.deleteSession(ctx, deviceID); err != nil {
		errs = append(errs, err)
	}

	if _, err := d.store.Apply(store.Remove(deviceID)); err != nil {
		warn := &device.ConsistencyWarning{Op: CommandDisconnect, DeviceID: deviceID, Detail: err.Error()}
		d.logger.Warn().Err(warn).Msg("disconnect_not_in_store")
	}
	d.outbox.Upsert(Pending{
		DeviceID: deviceID,
		Command:  CommandDisconnect,
		Status:   OutcomeAppliedLocally,
		Since:    time.Now(),
	})
	d.finish(deviceID, StateRegistered)

	res.State = StateRegistered
	res.Outcome = OutcomeAppliedLocally
	for _, e := range errs {
		res.Warnings = append(res.Warnings, e.Error())
	}
	d.logger.Info().Str("device_id", deviceID).Int("remote_failures", len(errs)).Msg("device_disconnected_locally")
	observability.RecordCommand(CommandDisconnect, res.Outcome.String())
	return res, errors.Join(errs...)
}

// DisconnectInterface announces an interface disconnect and removes the interface from the store.
// Like Disconnect, the local removal happens even when the announcement fails.
func (d *Dispatcher) DisconnectInterface(ctx context.Context, interfaceID string) (Result, error) {
	interfaceID = strings.TrimSpace(interfaceID)
	res := Result{Command: CommandDisconnectInterface, InterfaceID: interfaceID}

	snap := d.store.Snapshot()
	in, ok := snap.Interface(interfaceID)
	if !ok {
		return d.failed(res, &device.ValidationError{Field: "interface_id", Reason: "interface is not connected"})
	}
	dev, ok := snap.Device(in.DeviceID)
	if !ok {
		return d.failed(res, &device.ValidationError{Field: "device_connection_code", Reason: "device not found for code " + in.DeviceCode})
	}
	res.DeviceID = dev.DeviceID
	res.ConnectionCode = dev.ConnectionCode
	res.State = d.State(dev.DeviceID)

	var errs []error
	ch, err := d.opener.OpenChannel(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if err := ch.Emit(transport.EventInterfaceDisconnect, map[string]string{"interfaceId": interfaceID}); err != nil {
		errs = append(errs, err)
	}
	if _, err := d.store.Apply(store.RemoveInterface(interfaceID)); err != nil {
		warn := &device.ConsistencyWarning{Op: CommandDisconnectInterface, DeviceID: dev.DeviceID, Detail: err.Error()}
		d.logger.Warn().Err(warn).Msg("interface_not_in_store")
	}

	res.Outcome = OutcomeAppliedLocally
	for _, e := range errs {
		res.Warnings = append(res.Warnings, e.Error())
	}
	d.logger.Info().
		Str("interface_id", interfaceID).
		Str("connection_code", dev.ConnectionCode).
		Int("remote_failures", len(errs)).
		Msg("interface_disconnected_locally")
	observability.RecordCommand(CommandDisconnectInterface, res.Outcome.String())
	return res, errors.Join(errs...)
}

// DeleteDevice deletes a registered device that is not connected.
func (d *Dispatcher) DeleteDevice(ctx context.Context, deviceID string) (Result, error) {
	deviceID = strings.TrimSpace(deviceID)
	res := Result{Command: CommandDelete, DeviceID: deviceID}
	d.ensureKnown(ctx, deviceID)

	if _, connected := d.store.Snapshot().Device(deviceID); connected {
		res.State = StateConnected
		return d.failed(res, &StateError{Op: CommandDelete, DeviceID: deviceID, State: StateConnected})
	}
	rec, err := d.begin(CommandDelete, deviceID, StateRegistered, StateRegistered)
	if err != nil {
		res.State = d.State(deviceID)
		return d.failed(res, err)
	}
	res.ConnectionCode = rec.device.ConnectionCode

	if err := d.remote.DeleteDevice(ctx, deviceID); err != nil {
		d.finish(deviceID, StateRegistered)
		res.State = StateRegistered
		return d.failed(res, err)
	}
	d.outbox.Remove(deviceID)
	d.finish(deviceID, StateDeleted)

	res.State = StateDeleted
	res.Outcome = OutcomeConfirmedRemotely
	d.logger.Info().Str("device_id", deviceID).Msg("device_deleted")
	observability.RecordCommand(CommandDelete, res.Outcome.String())
	return res, nil
}

// LoadDevices refreshes the registered-device catalog from the service.
// Records that entered the catalog after the listing was requested are never pruned by it.
func (d *Dispatcher) LoadDevices(ctx context.Context) ([]DeviceView, error) {
	d.mu.Lock()
	startGen := d.gen
	d.mu.Unlock()

	list, err := d.remote.ListDevices(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("catalog_refresh_failed")
		return nil, err
	}

	d.mu.Lock()
	seen := make(map[string]struct{}, len(list))
	for _, dev := range list {
		id := strings.TrimSpace(dev.DeviceID)
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
		rec, ok := d.records[id]
		if !ok {
			d.records[id] = d.newRecordLocked(dev, StateRegistered)
			continue
		}
		rec.device = dev
		if rec.state == StateDeleted || rec.state == StateUnregistered {
			rec.state = StateRegistered
		}
	}
	for id, rec := range d.records {
		if _, ok := seen[id]; !ok && rec.state == StateRegistered && !rec.busy && rec.gen <= startGen {
			delete(d.records, id)
		}
	}
	d.mu.Unlock()

	d.logger.Debug().Int("devices", len(seen)).Msg("catalog_refreshed")
	return d.Devices(), nil
}

// LookupByCode finds a catalog device by its connection code.
func (d *Dispatcher) LookupByCode(code string) (device.Device, bool) {
	code = strings.TrimSpace(code)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.records {
		if rec.state != StateDeleted && rec.device.ConnectionCode == code {
			return rec.device, true
		}
	}
	return device.Device{}, false
}

// Describe returns the full catalog row for a connection code.
func (d *Dispatcher) Describe(code string) (DeviceView, error) {
	dev, ok := d.LookupByCode(code)
	if !ok {
		return DeviceView{}, ErrUnknownDevice
	}
	return d.view(dev.DeviceID), nil
}

// Devices lists the catalog sorted by connection code.
func (d *Dispatcher) Devices() []DeviceView {
	d.mu.Lock()
	ids := make([]string, 0, len(d.records))
	for id, rec := range d.records {
		if rec.state != StateDeleted {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	out := make([]DeviceView, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.view(id))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Device.ConnectionCode == out[j].Device.ConnectionCode {
			return out[i].Device.DeviceID < out[j].Device.DeviceID
		}
		return out[i].Device.ConnectionCode < out[j].Device.ConnectionCode
	})
	return out
}

// State reports a device's lifecycle state. Unknown ids are Unregistered.
func (d *Dispatcher) State(deviceID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[strings.TrimSpace(deviceID)]; ok {
		return rec.state
	}
	return StateUnregistered
}

// Pending lists optimistic commands and their confirmation status.
func (d *Dispatcher) Pending() []Pending {
	return d.outbox.List()
}

// ObservePoll settles optimistic commands against a finished poll cycle. Only cycles that started
// after the command and loaded sessions count.
func (d *Dispatcher) ObservePoll(report reconcile.CycleReport) {
	if !report.SourceOK(reconcile.SourceSessions) {
		return
	}
	for _, p := range d.outbox.Open() {
		if report.Started.Before(p.Since) {
			continue
		}
		present := report.Has(p.DeviceID)
		confirmed := (p.Command == CommandConnect && present) || (p.Command == CommandDisconnect && !present)
		if confirmed {
			d.confirm(p.DeviceID, p.Command, "poll")
			continue
		}
		item, ok := d.outbox.MarkMiss(p.DeviceID)
		if !ok || item.Misses < d.cfg.DivergeAfter {
			continue
		}
		if _, ok := d.outbox.Resolve(p.DeviceID, p.Command, OutcomeDiverged, time.Now()); !ok {
			continue
		}
		// The poll already rewrote the store, so follow it.
		next := StateRegistered
		if present {
			next = StateConnected
		}
		d.settle(p.DeviceID, next)
		d.logger.Warn().
			Str("device_id", p.DeviceID).
			Str("command", p.Command).
			Int("misses", item.Misses).
			Msg("command_diverged")
		observability.RecordCommand(p.Command, OutcomeDiverged.String())
	}
}

// ObservePush settles optimistic commands and follows remote lifecycle events.
func (d *Dispatcher) ObservePush(ev reconcile.Applied) {
	switch ev.Event {
	case transport.EventDeviceConnected:
		d.confirm(ev.DeviceID, CommandConnect, "push")
	case transport.EventDeviceDisconnected:
		if !d.confirm(ev.DeviceID, CommandDisconnect, "push") {
			d.settleFrom(ev.DeviceID, StateConnected, StateRegistered)
		}
	case transport.EventDeviceRegistered, transport.EventDeviceDeleted:
		go d.refresh()
	}
}

func (d *Dispatcher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RefreshTimeout)
	defer cancel()
	_, _ = d.LoadDevices(ctx)
}

func (d *Dispatcher) confirm(deviceID, command, via string) bool {
	if _, ok := d.outbox.Resolve(deviceID, command, OutcomeConfirmedRemotely, time.Now()); !ok {
		return false
	}
	d.logger.Debug().Str("device_id", deviceID).Str("command", command).Str("via", via).Msg("command_confirmed")
	observability.RecordCommand(command, OutcomeConfirmedRemotely.String())
	return true
}

// begin checks the device is in one of the allowed states and moves it to next.
func (d *Dispatcher) begin(op, deviceID string, next State, allowed ...State) (record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[deviceID]
	if !ok {
		return record{}, &StateError{Op: op, DeviceID: deviceID, State: StateUnregistered}
	}
	if rec.busy {
		return record{}, &StateError{Op: op, DeviceID: deviceID, State: rec.state, Busy: true}
	}
	for _, s := range allowed {
		if rec.state == s {
			rec.state = next
			rec.busy = true
			return *rec, nil
		}
	}
	return record{}, &StateError{Op: op, DeviceID: deviceID, State: rec.state}
}

func (d *Dispatcher) finish(deviceID string, state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[deviceID]; ok {
		rec.state = state
		rec.busy = false
	}
}

// settle moves an idle device to state. In-flight commands keep their own transitions.
func (d *Dispatcher) settle(deviceID string, state State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[deviceID]; ok && !rec.busy {
		rec.state = state
	}
}

func (d *Dispatcher) settleFrom(deviceID string, from, to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[deviceID]; ok && !rec.busy && rec.state == from {
		rec.state = to
	}
}

// adoptConnected treats a device the store shows as connected as Connected, even when this
// dispatcher did not connect it.
func (d *Dispatcher) adoptConnected(deviceID string) {
	entry, ok := d.store.Snapshot().Device(deviceID)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[deviceID]
	if !ok {
		dev := device.Device{DeviceID: deviceID, Type: entry.Type, ConnectionCode: entry.ConnectionCode}
		d.records[deviceID] = d.newRecordLocked(dev, StateConnected)
		return
	}
	if !rec.busy && rec.state == StateRegistered {
		rec.state = StateConnected
	}
}

func (d *Dispatcher) newRecordLocked(dev device.Device, state State) *record {
	d.gen++
	return &record{device: dev, state: state, gen: d.gen}
}

// ensureKnown refreshes the catalog once when a command names a device it has never seen.
func (d *Dispatcher) ensureKnown(ctx context.Context, deviceID string) {
	d.mu.Lock()
	_, ok := d.records[deviceID]
	d.mu.Unlock()
	if ok || deviceID == "" {
		return
	}
	_, _ = d.LoadDevices(ctx)
}

// deleteSession removes the remote session record. A session that is already gone is not a failure.
func (d *Dispatcher) deleteSession(ctx context.Context, deviceID string) error {
	err := d.remote.DeleteSession(ctx, deviceID)
	if err == nil {
		return nil
	}
	var verr *device.ValidationError
	if errors.As(err, &verr) && verr.StatusCode == http.StatusNotFound {
		d.logger.Debug().Str("device_id", deviceID).Msg("session_already_gone")
		return nil
	}
	d.logger.Warn().Str("device_id", deviceID).Err(err).Msg("session_delete_failed")
	return err
}

func (d *Dispatcher) view(deviceID string) DeviceView {
	d.mu.Lock()
	rec, ok := d.records[deviceID]
	var v DeviceView
	if ok {
		v = DeviceView{Device: rec.device, State: rec.state}
	}
	d.mu.Unlock()
	if p, ok := d.outbox.Get(deviceID); ok {
		v.Pending = &p
	}
	return v
}

func (d *Dispatcher) failed(res Result, err error) (Result, error) {
	outcome := outcomeLabel(err)
	event := d.logger.Warn()
	if outcome == "transport_error" {
		event = d.logger.Error()
	}
	event.
		Str("command", res.Command).
		Str("device_id", res.DeviceID).
		Str("outcome", outcome).
		Err(err).
		Msg("command_failed")
	observability.RecordCommand(res.Command, outcome)
	return res, err
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, device.ErrValidation):
		return "rejected"
	case transport.IsTransport(err):
		return "transport_error"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
