// Package store owns the connected-device and connected-interface tables.
//
// Every mutation goes through one lock and publishes a fresh immutable table set; readers load
// the published set without locking and receive their own copy.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/dispatchctl/internal/observability"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrInvalidEntry = errors.New("store: invalid entry")
)

// DeviceEntry is the connected-device projection: id -> {type, connection code}.
type DeviceEntry struct {
	DeviceID       string `json:"device_id"`
	Type           string `json:"type"`
	ConnectionCode string `json:"connection_code"`
}

// InterfaceEntry is one interface attached to a connected device.
type InterfaceEntry struct {
	InterfaceID string `json:"interface_id"`
	Name        string `json:"name,omitempty"`
	DeviceID    string `json:"device_id"`
	DeviceCode  string `json:"device_connection_code"`
}

// Snapshot is a consistent copy of both tables at one version.
type Snapshot struct {
	Version    uint64                 `json:"version"`
	Devices    map[string]DeviceEntry `json:"devices"`
	Interfaces []InterfaceEntry       `json:"interfaces"`
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Version:    s.Version,
		Devices:    make(map[string]DeviceEntry, len(s.Devices)),
		Interfaces: make([]InterfaceEntry, len(s.Interfaces)),
	}
	for id, d := range s.Devices {
		out.Devices[id] = d
	}
	copy(out.Interfaces, s.Interfaces)
	return out
}

func (s Snapshot) Device(id string) (DeviceEntry, bool) {
	d, ok := s.Devices[id]
	return d, ok
}

func (s Snapshot) DeviceByCode(code string) (DeviceEntry, bool) {
	for _, d := range s.Devices {
		if d.ConnectionCode == code {
			return d, true
		}
	}
	return DeviceEntry{}, false
}

func (s Snapshot) Interface(id string) (InterfaceEntry, bool) {
	for _, in := range s.Interfaces {
		if in.InterfaceID == id {
			return in, true
		}
	}
	return InterfaceEntry{}, false
}

// DeviceIDs returns connected device ids in sorted order.
func (s Snapshot) DeviceIDs() []string {
	out := make([]string, 0, len(s.Devices))
	for id := range s.Devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DeviceRows renders "<type> | <code>" rows sorted by device id.
func (s Snapshot) DeviceRows() []string {
	ids := s.DeviceIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		d := s.Devices[id]
		out = append(out, d.Type+" | "+d.ConnectionCode)
	}
	return out
}

// InterfaceRows renders "<code> | <interface id>" rows in table order.
func (s Snapshot) InterfaceRows() []string {
	out := make([]string, 0, len(s.Interfaces))
	for _, in := range s.Interfaces {
		out = append(out, in.DeviceCode+" | "+in.InterfaceID)
	}
	return out
}

// Store is the single consistency boundary for connected state.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	logger  zerolog.Logger
}

func New() *Store {
	s := &Store{logger: observability.Component("store")}
	s.current.Store(&Snapshot{
		Devices:    map[string]DeviceEntry{},
		Interfaces: []InterfaceEntry{},
	})
	return s
}

// Snapshot returns a private copy of the latest published tables without taking the mutation lock.
func (s *Store) Snapshot() Snapshot {
	return s.current.Load().clone()
}

// Version is the number of effective mutations applied so far.
func (s *Store) Version() uint64 {
	return s.current.Load().Version
}

// Apply runs one mutation under the store lock and publishes the result. A mutation that
// returns an error leaves the published tables untouched.
func (s *Store) Apply(m Mutation) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	out, err := m.apply(&next)
	if err != nil {
		return out, err
	}
	if !out.Changed {
		return out, nil
	}
	next.Version++
	s.current.Store(&next)
	observability.SetStoreEntries(len(next.Devices), len(next.Interfaces))
	s.logger.Debug().
		Str("mutation", m.Name()).
		Uint64("version", next.Version).
		Int("devices", len(next.Devices)).
		Int("interfaces", len(next.Interfaces)).
		Msg("store_mutation")
	return out, nil
}

// UpsertDevice inserts or replaces one connected device. Identical data is a no-op.
func (s *Store) UpsertDevice(deviceID, deviceType, connectionCode string) (DeviceEntry, error) {
	out, err := s.Apply(Upsert(deviceID, deviceType, connectionCode))
	return out.Device, err
}

// RemoveDevice drops one connected device together with its interfaces.
func (s *Store) RemoveDevice(deviceID string) (DeviceEntry, error) {
	out, err := s.Apply(Remove(deviceID))
	return out.Device, err
}

// RemoveInterface drops one connected interface.
func (s *Store) RemoveInterface(interfaceID string) (InterfaceEntry, error) {
	out, err := s.Apply(RemoveInterface(interfaceID))
	return out.Interface, err
}

// ReplaceAll swaps both tables atomically.
func (s *Store) ReplaceAll(devices map[string]DeviceEntry, interfaces []InterfaceEntry) (Outcome, error) {
	return s.Apply(Replace(devices, interfaces))
}

// Outcome reports what a mutation did.
type Outcome struct {
	Changed   bool
	Device    DeviceEntry
	Interface InterfaceEntry
	// Dropped counts interface rows rejected by ReplaceAll for lacking a connected device.
	Dropped int
}

// Mutation is an intent to change the tables, built by reconcilers and commands and executed only
// by the store.
type Mutation interface {
	Name() string
	apply(*Snapshot) (Outcome, error)
}

type upsertMutation struct {
	entry DeviceEntry
}

// Upsert builds an insert-or-replace intent for one connected device.
func Upsert(deviceID, deviceType, connectionCode string) Mutation {
	return upsertMutation{entry: DeviceEntry{
		DeviceID:       strings.TrimSpace(deviceID),
		Type:           deviceType,
		ConnectionCode: connectionCode,
	}}
}

func (m upsertMutation) Name() string { return "upsert_device" }

func (m upsertMutation) apply(s *Snapshot) (Outcome, error) {
	if m.entry.DeviceID == "" {
		return Outcome{}, fmt.Errorf("%w: empty device id", ErrInvalidEntry)
	}
	prev, ok := s.Devices[m.entry.DeviceID]
	if ok && prev == m.entry {
		return Outcome{Device: prev}, nil
	}
	s.Devices[m.entry.DeviceID] = m.entry
	if ok && prev.ConnectionCode != m.entry.ConnectionCode {
		for i := range s.Interfaces {
			if s.Interfaces[i].DeviceID == m.entry.DeviceID {
				s.Interfaces[i].DeviceCode = m.entry.ConnectionCode
			}
		}
	}
	return Outcome{Changed: true, Device: m.entry}, nil
}

type removeMutation struct {
	deviceID string
}

// Remove builds a removal intent for one connected device.
func Remove(deviceID string) Mutation {
	return removeMutation{deviceID: strings.TrimSpace(deviceID)}
}

func (m removeMutation) Name() string { return "remove_device" }

func (m removeMutation) apply(s *Snapshot) (Outcome, error) {
	prev, ok := s.Devices[m.deviceID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: device %q", ErrNotFound, m.deviceID)
	}
	delete(s.Devices, m.deviceID)
	kept := s.Interfaces[:0]
	for _, in := range s.Interfaces {
		if in.DeviceID != m.deviceID {
			kept = append(kept, in)
		}
	}
	s.Interfaces = kept
	return Outcome{Changed: true, Device: prev}, nil
}

type removeInterfaceMutation struct {
	interfaceID string
}

// RemoveInterface builds a removal intent for one connected interface.
func RemoveInterface(interfaceID string) Mutation {
	return removeInterfaceMutation{interfaceID: strings.TrimSpace(interfaceID)}
}

func (m removeInterfaceMutation) Name() string { return "remove_interface" }

func (m removeInterfaceMutation) apply(s *Snapshot) (Outcome, error) {
	for i, in := range s.Interfaces {
		if in.InterfaceID == m.interfaceID {
			s.Interfaces = append(s.Interfaces[:i], s.Interfaces[i+1:]...)
			return Outcome{Changed: true, Interface: in}, nil
		}
	}
	return Outcome{}, fmt.Errorf("%w: interface %q", ErrNotFound, m.interfaceID)
}

type replaceMutation struct {
	devices    map[string]DeviceEntry
	interfaces []InterfaceEntry
}

// Replace builds a wholesale replacement intent. The inputs are copied.
func Replace(devices map[string]DeviceEntry, interfaces []InterfaceEntry) Mutation {
	m := replaceMutation{
		devices:    make(map[string]DeviceEntry, len(devices)),
		interfaces: make([]InterfaceEntry, 0, len(interfaces)),
	}
	for id, d := range devices {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		d.DeviceID = id
		m.devices[id] = d
	}
	m.interfaces = append(m.interfaces, interfaces...)
	return m
}

func (m replaceMutation) Name() string { return "replace_all" }

func (m replaceMutation) apply(s *Snapshot) (Outcome, error) {
	devices := make(map[string]DeviceEntry, len(m.devices))
	for id, d := range m.devices {
		devices[id] = d
	}
	interfaces := make([]InterfaceEntry, 0, len(m.interfaces))
	seen := make(map[string]struct{}, len(m.interfaces))
	dropped := 0
	for _, in := range m.interfaces {
		d, ok := devices[in.DeviceID]
		if !ok {
			dropped++
			continue
		}
		if _, dup := seen[in.InterfaceID]; dup {
			continue
		}
		seen[in.InterfaceID] = struct{}{}
		in.DeviceCode = d.ConnectionCode
		interfaces = append(interfaces, in)
	}

	changed := !sameTables(s.Devices, s.Interfaces, devices, interfaces)
	s.Devices = devices
	s.Interfaces = interfaces
	return Outcome{Changed: changed, Dropped: dropped}, nil
}

func sameTables(aDev map[string]DeviceEntry, aIf []InterfaceEntry, bDev map[string]DeviceEntry, bIf []InterfaceEntry) bool {
	if len(aDev) != len(bDev) || len(aIf) != len(bIf) {
		return false
	}
	for id, d := range aDev {
		if other, ok := bDev[id]; !ok || other != d {
			return false
		}
	}
	for i := range aIf {
		if aIf[i] != bIf[i] {
			return false
		}
	}
	return true
}
