package devicemgr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// registryEntry is one live device in the registry, plus the subscriptions
// that must be withdrawn when the entry is dropped.
type registryEntry struct {
	device       Device
	identifier   string
	unsubRemoved func()
	unsubMessage func()
}

// Registry owns the mapping from client-visible index to live device, and
// remembers identifier -> index across disconnects within a process session
// so a reconnecting physical device is handed back the same index.
type Registry struct {
	mu                sync.Mutex
	devices           map[uint32]*registryEntry
	indexOfIdentifier map[string]uint32
	nextIndex         atomic.Uint32

	logger *slog.Logger
	out    *EventBus // shared outbound bus: device_added / device_removed / device_message
}

// NewRegistry builds an empty registry. out is the shared outbound event
// bus the registry publishes DeviceAdded/DeviceRemoved/DeviceMessage events
// to; it is typically also the bus the transport boundary subscribes to.
func NewRegistry(out *EventBus, logger *slog.Logger) *Registry {
	logger = orDiscardLogger(logger)
	return &Registry{
		devices:           make(map[uint32]*registryEntry),
		indexOfIdentifier: make(map[string]uint32),
		logger:            logger,
		out:               out,
	}
}

// OnDeviceAdded handles a DeviceAdded event from a subtype manager. A nil
// device (discovery backends occasionally race a device to nil) is dropped
// silently. A device already registered and connected under the same
// identifier is treated as a duplicate announcement and ignored.
func (r *Registry) OnDeviceAdded(dev Device) {
	if dev == nil {
		return
	}
	identifier := dev.Identifier()

	r.mu.Lock()
	if idx, ok := r.indexOfIdentifier[identifier]; ok {
		if existing, live := r.devices[idx]; live {
			if existing.device.Connected() {
				r.mu.Unlock()
				r.logger.Debug("duplicate device_added ignored", "identifier", identifier)
				return
			}
			// A stale, disconnected entry is about to be overwritten by
			// installLocked; withdraw its subscriptions first so they
			// aren't leaked with no entry left to reach them.
			existing.unsubRemoved()
			existing.unsubMessage()
		}
		r.installLocked(idx, dev, identifier)
		r.mu.Unlock()
		r.emitAdded(idx, dev)
		return
	}

	idx := r.nextIndex.Add(1)
	r.indexOfIdentifier[identifier] = idx
	r.installLocked(idx, dev, identifier)
	r.mu.Unlock()

	r.emitAdded(idx, dev)
}

// installLocked wires the entry into devices and subscribes to the device's
// own lifecycle events. Caller holds r.mu.
func (r *Registry) installLocked(idx uint32, dev Device, identifier string) {
	entry := &registryEntry{device: dev, identifier: identifier}
	entry.unsubRemoved = dev.Events().On(EventRemoved, func(Event) {
		r.OnDeviceRemoved(dev)
	})
	entry.unsubMessage = dev.Events().On(EventMessage, func(ev Event) {
		payload, ok := ev.Data.(DeviceEmittedPayload)
		if !ok {
			return
		}
		r.out.Emit(Event{Type: EventDeviceMessage, Data: DeviceMessageOut{
			DeviceIndex: idx,
			Kind:        payload.Kind,
			Payload:     payload.Payload,
		}})
	})
	r.devices[idx] = entry
}

func (r *Registry) emitAdded(idx uint32, dev Device) {
	r.out.Emit(Event{Type: EventDeviceAdded, Data: DeviceAddedOut{
		DeviceIndex:    idx,
		DeviceName:     dev.Name(),
		DeviceMessages: dev.AllowedMessageTypes(),
	}})
}

// OnDeviceRemoved handles a DeviceRemoved event, keyed by identifier since
// the subtype manager may not know the index it was assigned. The entry is
// dropped from devices but the identifier -> index mapping is retained so a
// later reconnect reuses the same index. Zero or more than one match is
// tolerated and logged; it never panics.
func (r *Registry) OnDeviceRemoved(dev Device) {
	identifier := dev.Identifier()

	r.mu.Lock()
	var matched []uint32
	for idx, entry := range r.devices {
		if entry.identifier == identifier {
			matched = append(matched, idx)
		}
	}
	for _, idx := range matched {
		entry := r.devices[idx]
		entry.unsubRemoved()
		entry.unsubMessage()
		delete(r.devices, idx)
	}
	r.mu.Unlock()

	if len(matched) == 0 {
		r.logger.Debug("device_removed for unknown identifier", "identifier", identifier)
		return
	}
	if len(matched) > 1 {
		r.logger.Warn("multiple registry entries matched identifier on removal", "identifier", identifier, "count", len(matched))
	}
	for _, idx := range matched {
		r.out.Emit(Event{Type: EventDeviceRemoved, Data: DeviceRemovedOut{DeviceIndex: idx}})
	}
}

// RemoveAll disconnects and drops every live entry without emitting
// DeviceRemoved; the client is expected to infer closure from session
// shutdown. identifier -> index mappings survive this call.
func (r *Registry) RemoveAll(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]*registryEntry, 0, len(r.devices))
	for idx, entry := range r.devices {
		snapshot = append(snapshot, entry)
		delete(r.devices, idx)
	}
	r.mu.Unlock()

	for _, entry := range snapshot {
		entry.unsubRemoved()
		entry.unsubMessage()
		_ = entry.device.Disconnect(ctx)
	}
}

// Lookup returns the device at idx, if any entry is live.
func (r *Registry) Lookup(idx uint32) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[idx]
	if !ok {
		return nil, false
	}
	return entry.device, true
}

// SnapshotConnected returns every currently-connected device, with its
// AllowedMessageTypes filtered to the types introduced at or before
// specVersion.
func (r *Registry) SnapshotConnected(specVersion uint32) []DeviceListEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DeviceListEntry, 0, len(r.devices))
	for idx, entry := range r.devices {
		if !entry.device.Connected() {
			continue
		}
		out = append(out, DeviceListEntry{
			DeviceIndex:    idx,
			DeviceName:     entry.device.Name(),
			DeviceMessages: filterAllowed(entry.device.AllowedMessageTypes(), specVersion),
		})
	}
	return out
}

// ConnectedIndices returns the indices of every currently-connected device,
// used by Dispatcher.stopAllDevices.
func (r *Registry) ConnectedIndices() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uint32, 0, len(r.devices))
	for idx, entry := range r.devices {
		if entry.device.Connected() {
			out = append(out, idx)
		}
	}
	return out
}

func filterAllowed(allowed map[string]MessageAttributes, specVersion uint32) map[string]MessageAttributes {
	filtered := make(map[string]MessageAttributes, len(allowed))
	for name, attrs := range allowed {
		if attrs.MinSpecVersion <= specVersion {
			filtered[name] = attrs
		}
	}
	return filtered
}

// DeviceAddedOut is the outbound payload for EventDeviceAdded.
type DeviceAddedOut struct {
	DeviceIndex    uint32
	DeviceName     string
	DeviceMessages map[string]MessageAttributes
}

// DeviceRemovedOut is the outbound payload for EventDeviceRemoved.
type DeviceRemovedOut struct {
	DeviceIndex uint32
}

// DeviceMessageOut is the outbound payload for EventDeviceMessage, forwarding
// a device-initiated message to the client.
type DeviceMessageOut struct {
	DeviceIndex uint32
	Kind        string
	Payload     json.RawMessage
}
