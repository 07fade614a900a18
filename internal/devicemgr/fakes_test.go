package devicemgr

import (
	"context"
	"sync"
)

// fakeDevice is a minimal Device used across the package's tests.
type fakeDevice struct {
	identifier string
	name       string
	mu         sync.Mutex
	connected  bool
	allowed    map[string]MessageAttributes
	events     *EventBus

	stopErr error
}

func newFakeDevice(identifier, name string) *fakeDevice {
	return &fakeDevice{
		identifier: identifier,
		name:       name,
		connected:  true,
		allowed:    map[string]MessageAttributes{},
		events:     NewEventBus(nil),
	}
}

func (d *fakeDevice) Identifier() string { return d.identifier }
func (d *fakeDevice) Name() string       { return d.name }

func (d *fakeDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
}

func (d *fakeDevice) AllowedMessageTypes() map[string]MessageAttributes { return d.allowed }

func (d *fakeDevice) ParseMessage(ctx context.Context, cmd DeviceCommand) (Reply, error) {
	if cmd.Kind == "StopDeviceCmd" && d.stopErr != nil {
		return nil, d.stopErr
	}
	return OkReply{ID: cmd.ID}, nil
}

func (d *fakeDevice) Disconnect(ctx context.Context) error {
	d.setConnected(false)
	return nil
}

func (d *fakeDevice) Events() *EventBus { return d.events }

func (d *fakeDevice) emitRemoved() {
	d.setConnected(false)
	d.events.Emit(Event{Type: EventRemoved})
}

// fakeSubtypeManager is a minimal SubtypeManager. If SyncFinish is true,
// StartScanning fires scanning_finished synchronously before returning,
// exercising the Starting-suppression path.
type fakeSubtypeManager struct {
	kind       string
	events     *EventBus
	mu         sync.Mutex
	scanning   bool
	SyncFinish bool
	startErr   error
}

func newFakeSubtypeManager(kind string) *fakeSubtypeManager {
	return &fakeSubtypeManager{kind: kind, events: NewEventBus(nil)}
}

func (m *fakeSubtypeManager) Kind() string { return m.kind }

func (m *fakeSubtypeManager) StartScanning(ctx context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.scanning = true
	sync := m.SyncFinish
	m.mu.Unlock()
	if sync {
		m.Finish()
	}
	return nil
}

func (m *fakeSubtypeManager) StopScanning(ctx context.Context) error {
	m.Finish()
	return nil
}

func (m *fakeSubtypeManager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

func (m *fakeSubtypeManager) Events() *EventBus { return m.events }

// Finish marks the manager as done scanning and fires scanning_finished.
func (m *fakeSubtypeManager) Finish() {
	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	m.events.Emit(Event{Type: EventScanningFinished})
}

func (m *fakeSubtypeManager) announce(dev Device) {
	m.events.Emit(Event{Type: EventDeviceAdded, Data: dev})
}
