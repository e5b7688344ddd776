package command

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Pending tracks one optimistic connect or disconnect until the service reflects it.
type Pending struct {
	DeviceID   string    `json:"device_id"`
	Command    string    `json:"command"`
	Status     Outcome   `json:"status"`
	Since      time.Time `json:"since"`
	Misses     int       `json:"misses"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// Outbox stores the latest optimistic command per device id.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]Pending
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]Pending),
	}
}

func (o *Outbox) Upsert(item Pending) {
	key := strings.TrimSpace(item.DeviceID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

// Resolve settles the pending command for deviceID if it is still open and matches command.
func (o *Outbox) Resolve(deviceID, command string, status Outcome, at time.Time) (Pending, bool) {
	key := strings.TrimSpace(deviceID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok || item.Command != command || item.Status != OutcomeAppliedLocally {
		return Pending{}, false
	}
	item.Status = status
	item.ResolvedAt = at
	o.items[key] = item
	return item, true
}

// MarkMiss counts one poll cycle that did not reflect the pending command.
func (o *Outbox) MarkMiss(deviceID string) (Pending, bool) {
	key := strings.TrimSpace(deviceID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok || item.Status != OutcomeAppliedLocally {
		return Pending{}, false
	}
	item.Misses++
	o.items[key] = item
	return item, true
}

func (o *Outbox) Remove(deviceID string) {
	key := strings.TrimSpace(deviceID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Get(deviceID string) (Pending, bool) {
	key := strings.TrimSpace(deviceID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

// Open lists entries still awaiting confirmation.
func (o *Outbox) Open() []Pending {
	var out []Pending
	for _, item := range o.List() {
		if item.Status == OutcomeAppliedLocally {
			out = append(out, item)
		}
	}
	return out
}

func (o *Outbox) List() []Pending {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Pending, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
