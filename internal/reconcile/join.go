// Package reconcile feeds the store from the dispatch service: a periodic authoritative rebuild
// (Poller) and an incremental event consumer (Listener).
package reconcile

import (
	"strings"

	"github.com/danmuck/dispatchctl/internal/device"
	"github.com/danmuck/dispatchctl/internal/store"
)

// Sources is one cycle's worth of service state. A source that failed to load is empty.
type Sources struct {
	Sessions   []device.Session
	Devices    []device.Device
	Interfaces []device.Interface
}

// Join builds the connected tables from sessions -> devices -> interfaces. Every session with a
// device id yields a device entry; fields missing from the devices source read as "unknown".
func Join(src Sources) (map[string]store.DeviceEntry, []store.InterfaceEntry) {
	devicesByID := make(map[string]device.Device, len(src.Devices))
	for _, d := range src.Devices {
		if id := strings.TrimSpace(d.DeviceID); id != "" {
			devicesByID[id] = d
		}
	}
	interfacesByID := make(map[string]device.Interface, len(src.Interfaces))
	for _, in := range src.Interfaces {
		if id := strings.TrimSpace(in.InterfaceID); id != "" {
			interfacesByID[id] = in
		}
	}

	connected := make(map[string]store.DeviceEntry, len(src.Sessions))
	var interfaces []store.InterfaceEntry
	for _, s := range src.Sessions {
		deviceID := strings.TrimSpace(s.DeviceID)
		if deviceID == "" {
			continue
		}
		entry := store.DeviceEntry{
			DeviceID:       deviceID,
			Type:           device.UnknownField,
			ConnectionCode: device.UnknownField,
		}
		if d, ok := devicesByID[deviceID]; ok {
			entry.Type = orUnknown(d.Type)
			entry.ConnectionCode = orUnknown(d.ConnectionCode)
		}
		connected[deviceID] = entry

		interfaceID := strings.TrimSpace(s.InterfaceID)
		if interfaceID == "" {
			continue
		}
		name := device.UnknownField
		if in, ok := interfacesByID[interfaceID]; ok && in.Name != "" {
			name = in.Name
		}
		interfaces = append(interfaces, store.InterfaceEntry{
			InterfaceID: interfaceID,
			Name:        name,
			DeviceID:    deviceID,
			DeviceCode:  entry.ConnectionCode,
		})
	}
	return connected, interfaces
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return device.UnknownField
	}
	return v
}
