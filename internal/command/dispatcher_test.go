package command

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/reconcile"
	"github.com/danmuck/dispatchctl/internal/store"
	"github.com/danmuck/dispatchctl/internal/testutil/fakedispatch"
	"github.com/danmuck/dispatchctl/internal/testutil/testlog"
	"github.com/danmuck/dispatchctl/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var camera = device.Fields{Type: "camera", IP: "10.0.0.5", Port: 8080, Subnet: "10.0.0.0/24"}

type fixture struct {
	srv    *fakedispatch.Server
	client *transport.Client
	pusher *transport.Pusher
	store  *store.Store
	poller *reconcile.Poller
	d      *Dispatcher
}

func newFixture(t *testing.T, cfg Config, opener ChannelOpener) *fixture {
	t.Helper()
	srv := fakedispatch.New()
	t.Cleanup(srv.Close)
	tcfg := transport.DefaultConfig()
	tcfg.ServerURL = srv.URL()
	tcfg.RequestTimeout = 500 * time.Millisecond
	tcfg.MaxConnectAttempts = 1

	f := &fixture{
		srv:    srv,
		client: transport.NewClient(tcfg),
		pusher: transport.NewPusher(tcfg),
		store:  store.New(),
	}
	t.Cleanup(func() { _ = f.pusher.Close() })
	if opener == nil {
		opener = PusherOpener{Pusher: f.pusher}
	}
	f.d = New(cfg, f.client, opener, f.store)
	f.poller = reconcile.NewPoller(reconcile.PollConfig{Interval: time.Second}, f.client, f.store)
	f.poller.OnCycle(f.d.ObservePoll)
	return f
}

type stubChannel struct {
	mu      sync.Mutex
	err     error
	emitted []string
}

func (c *stubChannel) ID() string { return "stub-socket" }

func (c *stubChannel) Emit(event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, event)
	return c.err
}

type stubOpener struct {
	ch  *stubChannel
	err error
}

func (o stubOpener) OpenChannel(context.Context) (Channel, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.ch, nil
}

func TestRegisterValidatesBeforeCallingService(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)

	res, err := f.d.Register(context.Background(), device.Fields{IP: "10.0.0.5", Port: 8080, Subnet: "x"})
	var verr *device.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)
	assert.Equal(t, StateUnregistered, res.State)
	assert.Equal(t, 0, f.srv.Hits("/api/register_device"))
}

func TestRegisterStoresAssignedIdentity(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)

	res, err := f.d.Register(context.Background(), camera)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, res.State)
	assert.Equal(t, OutcomeConfirmedRemotely, res.Outcome)
	require.NotEmpty(t, res.ConnectionCode)

	dev, ok := f.d.LookupByCode(res.ConnectionCode)
	require.True(t, ok)
	assert.Equal(t, res.DeviceID, dev.DeviceID)
	assert.Equal(t, 8080, dev.Port)
	assert.Equal(t, StateRegistered, f.d.State(res.DeviceID))
}

func TestRegisterFailuresStayUnregistered(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	_, err := f.d.Register(context.Background(), camera)
	require.NoError(t, err)

	_, err = f.d.Register(context.Background(), camera)
	assert.ErrorIs(t, err, device.ErrValidation, "duplicate ip and port is rejected by the service")

	f.srv.SetFault("/api/register_device", fakedispatch.Fault{Status: http.StatusBadGateway})
	res, err := f.d.Register(context.Background(), device.Fields{Type: "sensor", IP: "10.0.0.6", Port: 1, Subnet: "s"})
	assert.ErrorIs(t, err, transport.ErrServerError)
	assert.Equal(t, StateUnregistered, res.State)
	assert.Len(t, f.d.Devices(), 1)
}

func TestConnectIsVisibleBeforePollCatchesUp(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)

	f.poller.Cycle(ctx)
	_, ok := f.store.Snapshot().Device(reg.DeviceID)
	require.False(t, ok)

	res, err := f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, res.State)
	entry, ok := f.store.Snapshot().Device(reg.DeviceID)
	require.True(t, ok, "connected device is visible without waiting for a poll")
	assert.Equal(t, reg.ConnectionCode, entry.ConnectionCode)

	p, ok := f.d.outbox.Get(reg.DeviceID)
	require.True(t, ok)
	assert.Equal(t, CommandConnect, p.Command)

	f.poller.Cycle(ctx)
	p, _ = f.d.outbox.Get(reg.DeviceID)
	assert.Equal(t, OutcomeConfirmedRemotely, p.Status)
	assert.Equal(t, StateConnected, f.d.State(reg.DeviceID))
}

func TestConnectRequiresRegistered(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := f.d.Connect(ctx, "nobody")
	assert.ErrorIs(t, err, ErrInvalidState)

	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateConnected, serr.State)
}

func TestConnectLearnsCatalogDevices(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	f.srv.PutDevice(device.Device{DeviceID: "dev-7", Type: "sensor", ConnectionCode: "SEEN0007"})

	res, err := f.d.Connect(context.Background(), "dev-7")
	require.NoError(t, err)
	assert.Equal(t, "SEEN0007", res.ConnectionCode)
}

func TestConnectEmitFailureFailsClosed(t *testing.T) {
	testlog.Start(t)
	ch := &stubChannel{err: transport.ErrChannelClosed}
	f := newFixture(t, DefaultConfig(), stubOpener{ch: ch})
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)

	res, err := f.d.Connect(ctx, reg.DeviceID)
	assert.ErrorIs(t, err, transport.ErrChannelClosed)
	assert.Equal(t, StateRegistered, res.State)
	assert.Equal(t, StateRegistered, f.d.State(reg.DeviceID))
	assert.Empty(t, f.store.Snapshot().Devices)
	assert.Empty(t, f.srv.Sessions(), "session record is rolled back")
	_, pending := f.d.outbox.Get(reg.DeviceID)
	assert.False(t, pending)
}

func TestConnectOpenFailureFailsClosed(t *testing.T) {
	testlog.Start(t)
	openErr := &transport.Error{Kind: transport.KindUnreachable, Op: "push open", Err: errors.New("refused")}
	f := newFixture(t, DefaultConfig(), stubOpener{err: openErr})
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)

	_, err = f.d.Connect(ctx, reg.DeviceID)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
	assert.Equal(t, StateRegistered, f.d.State(reg.DeviceID))
	assert.Equal(t, 0, f.srv.Hits("/api/register_device_session"))
}

func TestDisconnectFailsOpenOnSessionDeleteFailure(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)

	f.srv.SetFault("/api/sessions/:deviceId", fakedispatch.Fault{Drop: true})
	res, err := f.d.Disconnect(ctx, reg.DeviceID)
	assert.ErrorIs(t, err, transport.ErrUnreachable)
	assert.True(t, transport.IsTransport(err))
	assert.Equal(t, OutcomeAppliedLocally, res.Outcome)
	assert.Len(t, res.Warnings, 1)

	_, ok := f.store.Snapshot().Device(reg.DeviceID)
	assert.False(t, ok, "local removal applies regardless of the remote outcome")
	assert.Equal(t, StateRegistered, f.d.State(reg.DeviceID))
}

func TestDisconnectConfirmedByPoll(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)

	_, err = f.d.Disconnect(ctx, reg.DeviceID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.srv.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)

	f.poller.Cycle(ctx)
	p, ok := f.d.outbox.Get(reg.DeviceID)
	require.True(t, ok)
	assert.Equal(t, CommandDisconnect, p.Command)
	assert.Equal(t, OutcomeConfirmedRemotely, p.Status)
}

func TestDisconnectRequiresConnected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	reg, err := f.d.Register(context.Background(), camera)
	require.NoError(t, err)

	_, err = f.d.Disconnect(context.Background(), reg.DeviceID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDisconnectAdoptsDeviceConnectedElsewhere(t *testing.T) {
	testlog.Start(t)
	ch := &stubChannel{}
	f := newFixture(t, DefaultConfig(), stubOpener{ch: ch})
	f.srv.PutSession(device.Session{DeviceID: "dev-5", SocketID: "other"})
	_, err := f.store.UpsertDevice("dev-5", "sensor", "ELSE0005")
	require.NoError(t, err)

	res, err := f.d.Disconnect(context.Background(), "dev-5")
	require.NoError(t, err)
	assert.Equal(t, "ELSE0005", res.ConnectionCode)
	assert.Equal(t, []string{transport.EventDeviceDisconnect}, ch.emitted)
	assert.Empty(t, f.store.Snapshot().Devices)
}

func TestDisconnectInterface(t *testing.T) {
	testlog.Start(t)
	ch := &stubChannel{}
	f := newFixture(t, DefaultConfig(), stubOpener{ch: ch})
	_, err := f.store.ReplaceAll(
		map[string]store.DeviceEntry{"dev-1": {Type: "camera", ConnectionCode: "AAAA0001"}},
		[]store.InterfaceEntry{{InterfaceID: "if-1", DeviceID: "dev-1"}},
	)
	require.NoError(t, err)

	res, err := f.d.DisconnectInterface(context.Background(), "if-1")
	require.NoError(t, err)
	assert.Equal(t, "AAAA0001", res.ConnectionCode)
	assert.Equal(t, []string{transport.EventInterfaceDisconnect}, ch.emitted)
	assert.Empty(t, f.store.Snapshot().Interfaces)
	assert.Len(t, f.store.Snapshot().Devices, 1)

	_, err = f.d.DisconnectInterface(context.Background(), "if-1")
	assert.ErrorIs(t, err, device.ErrValidation)
}

func TestDisconnectInterfaceFailsOpen(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), stubOpener{ch: &stubChannel{err: transport.ErrChannelClosed}})
	_, err := f.store.ReplaceAll(
		map[string]store.DeviceEntry{"dev-1": {Type: "camera", ConnectionCode: "AAAA0001"}},
		[]store.InterfaceEntry{{InterfaceID: "if-1", DeviceID: "dev-1"}},
	)
	require.NoError(t, err)

	_, err = f.d.DisconnectInterface(context.Background(), "if-1")
	assert.ErrorIs(t, err, transport.ErrChannelClosed)
	assert.Empty(t, f.store.Snapshot().Interfaces)
}

func TestDeleteDevice(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)

	f.srv.SetFault("/api/delete_device/:deviceId", fakedispatch.Fault{Status: http.StatusServiceUnavailable})
	_, err = f.d.DeleteDevice(ctx, reg.DeviceID)
	assert.ErrorIs(t, err, transport.ErrServerError)
	assert.Equal(t, StateRegistered, f.d.State(reg.DeviceID))

	f.srv.ClearFault("/api/delete_device/:deviceId")
	res, err := f.d.DeleteDevice(ctx, reg.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, res.State)
	assert.Empty(t, f.d.Devices())
	assert.Empty(t, f.srv.Devices())
	_, ok := f.d.LookupByCode(reg.ConnectionCode)
	assert.False(t, ok)
}

func TestDeleteConnectedDeviceIsRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)

	_, err = f.d.DeleteDevice(ctx, reg.DeviceID)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Len(t, f.srv.Devices(), 1)
}

func TestLoadDevicesAndDescribe(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	f.srv.PutDevice(device.Device{DeviceID: "dev-2", Type: "sensor", IP: "10.0.0.2", Port: 2, ConnectionCode: "BBBB0002"})
	f.srv.PutDevice(device.Device{DeviceID: "dev-1", Type: "camera", IP: "10.0.0.1", Port: 1, ConnectionCode: "AAAA0001"})

	views, err := f.d.LoadDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "AAAA0001", views[0].Device.ConnectionCode)

	v, err := f.d.Describe("BBBB0002")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", v.Device.IP)
	assert.Equal(t, StateRegistered, v.State)

	_, err = f.d.Describe("NOPE")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	require.NoError(t, f.client.DeleteDevice(context.Background(), "dev-2"))
	views, err = f.d.LoadDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

// gatedRemote holds a fetched device listing until released, so a register can land in between.
type gatedRemote struct {
	*transport.Client
	listed  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRemote) ListDevices(ctx context.Context) ([]device.Device, error) {
	list, err := g.Client.ListDevices(ctx)
	g.once.Do(func() {
		close(g.listed)
		<-g.release
	})
	return list, err
}

func TestLoadDevicesKeepsRegistrationsNewerThanListing(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	remote := &gatedRemote{Client: f.client, listed: make(chan struct{}), release: make(chan struct{})}
	d := New(DefaultConfig(), remote, stubOpener{ch: &stubChannel{}}, f.store)

	loaded := make(chan error, 1)
	go func() {
		_, err := d.LoadDevices(context.Background())
		loaded <- err
	}()
	<-remote.listed

	reg, err := d.Register(context.Background(), camera)
	require.NoError(t, err)
	close(remote.release)
	require.NoError(t, <-loaded)

	view, err := d.Describe(reg.ConnectionCode)
	require.NoError(t, err, "stale listing pruned a fresh registration")
	assert.Equal(t, StateRegistered, view.State)
	assert.Len(t, d.Devices(), 1)

	views, err := d.LoadDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestPushConfirmsConnect(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	listener := reconcile.NewListener(reconcile.DefaultPushConfig(), f.client, f.store)
	listener.Bind(f.pusher)
	listener.OnApplied(f.d.ObservePush)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Run(ctx) }()

	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, ok := f.d.outbox.Get(reg.DeviceID)
		return ok && p.Status == OutcomeConfirmedRemotely
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoteDisconnectReturnsDeviceToRegistered(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)

	f.d.ObservePush(reconcile.Applied{Event: transport.EventDeviceDisconnected, DeviceID: reg.DeviceID})
	assert.Equal(t, StateRegistered, f.d.State(reg.DeviceID))
}

func TestUnconfirmedConnectDiverges(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.RegisterSession = false
	f := newFixture(t, cfg, stubOpener{ch: &stubChannel{}})
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)

	res, err := f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAppliedLocally, res.Outcome)

	f.poller.Cycle(ctx)
	p, _ := f.d.outbox.Get(reg.DeviceID)
	assert.Equal(t, OutcomeAppliedLocally, p.Status)
	assert.Equal(t, 1, p.Misses)

	f.poller.Cycle(ctx)
	p, _ = f.d.outbox.Get(reg.DeviceID)
	assert.Equal(t, OutcomeDiverged, p.Status)
	assert.Equal(t, StateRegistered, f.d.State(reg.DeviceID))
	assert.Empty(t, f.store.Snapshot().Devices)
}

func TestFailedSessionsPollDoesNotSettle(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.RegisterSession = false
	f := newFixture(t, cfg, stubOpener{ch: &stubChannel{}})
	ctx := context.Background()
	reg, err := f.d.Register(ctx, camera)
	require.NoError(t, err)
	_, err = f.d.Connect(ctx, reg.DeviceID)
	require.NoError(t, err)

	f.srv.SetFault("/admin/sessions", fakedispatch.Fault{Status: http.StatusInternalServerError})
	f.poller.Cycle(ctx)
	f.poller.Cycle(ctx)
	p, _ := f.d.outbox.Get(reg.DeviceID)
	assert.Equal(t, OutcomeAppliedLocally, p.Status)
	assert.Equal(t, 0, p.Misses)
}
