package devicemgr

import (
	"context"
	"log/slog"
)

// Manager is the top-level Device Manager: it owns the Registry, the
// ScanCoordinator, the ManagerSet of subtype managers, and the Dispatcher
// that fronts them all. Callers construct one per client session.
type Manager struct {
	Events *EventBus // outbound fanout: device_added, device_removed, device_message, scanning_finished

	registry *Registry
	scan     *ScanCoordinator
	managers *ManagerSet
	dispatch *Dispatcher

	logger *slog.Logger
}

// Config holds the values needed to build a Manager.
type Config struct {
	SpecVersion uint32
	Logger      *slog.Logger
}

// New builds a Manager with an empty registry and manager set.
func New(cfg Config) *Manager {
	logger := orDiscardLogger(cfg.Logger)

	events := NewEventBus(logger)
	registry := NewRegistry(events, logger)
	managers := NewManagerSet(registry, nil, logger)
	scan := NewScanCoordinator(managers, events, logger)
	managers.onFinished = scan.onManagerFinished

	return &Manager{
		Events:   events,
		registry: registry,
		scan:     scan,
		managers: managers,
		dispatch: NewDispatcher(registry, scan, cfg.SpecVersion),
		logger:   logger,
	}
}

// AddManager registers a subtype manager manually, bypassing auto-load.
func (m *Manager) AddManager(sm SubtypeManager) { m.managers.Add(sm) }

// RegisterFactory adds an auto-load factory, consulted the first time
// StartScanning runs with no managers yet registered.
func (m *Manager) RegisterFactory(f Factory) { m.managers.RegisterFactory(f) }

// SendGlobal dispatches one of the four global control messages.
func (m *Manager) SendGlobal(ctx context.Context, id uint32, msg GlobalMessage) Reply {
	return m.dispatch.SendGlobal(ctx, id, msg)
}

// SendDevice dispatches a device-addressed command.
func (m *Manager) SendDevice(ctx context.Context, cmd DeviceCommand) Reply {
	return m.dispatch.SendDevice(ctx, cmd)
}

// Shutdown stops any in-flight scan and disconnects every device. It is the
// explicit replacement for relying on destructor-ordered cleanup.
func (m *Manager) Shutdown(ctx context.Context) {
	_ = m.scan.Stop(ctx)
	m.registry.RemoveAll(ctx)
}
