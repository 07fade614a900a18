package devicemgr

import (
	"context"
	"log/slog"
	"sync"
)

// ManagerSet owns the registered SubtypeManagers, deduplicated by concrete
// kind, and wires each one's device_added/scanning_finished events into the
// Registry and ScanCoordinator as it is added.
type ManagerSet struct {
	mu         sync.Mutex
	order      []string
	byKind     map[string]SubtypeManager
	autoLoaded bool

	registry   *Registry
	onFinished func()
	logger     *slog.Logger

	factories []Factory
}

// NewManagerSet builds an empty set. onFinished is invoked for every
// scanning_finished event from any added manager (normally
// ScanCoordinator.onManagerFinished).
func NewManagerSet(registry *Registry, onFinished func(), logger *slog.Logger) *ManagerSet {
	logger = orDiscardLogger(logger)
	return &ManagerSet{
		byKind:     make(map[string]SubtypeManager),
		registry:   registry,
		onFinished: onFinished,
		logger:     logger,
	}
}

// RegisterFactory adds a constructor consulted by EnsureLoaded. Factories
// are package-level registrations published by each subtype manager
// implementation rather than discovered by reflecting over loaded types.
func (s *ManagerSet) RegisterFactory(f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories = append(s.factories, f)
}

// Add registers m, subscribing to its events. Adding a second manager of a
// kind already present is a no-op.
func (s *ManagerSet) Add(m SubtypeManager) {
	s.mu.Lock()
	if _, exists := s.byKind[m.Kind()]; exists {
		s.mu.Unlock()
		s.logger.Debug("subtype manager already registered, ignoring", "kind", m.Kind())
		return
	}
	s.byKind[m.Kind()] = m
	s.order = append(s.order, m.Kind())
	s.mu.Unlock()

	m.Events().On(EventDeviceAdded, func(ev Event) {
		dev, ok := ev.Data.(Device)
		if !ok {
			return
		}
		s.registry.OnDeviceAdded(dev)
	})
	m.Events().On(EventScanningFinished, func(Event) {
		if s.onFinished != nil {
			s.onFinished()
		}
	})
}

// All returns the registered managers in insertion order.
func (s *ManagerSet) All() []SubtypeManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubtypeManager, 0, len(s.order))
	for _, kind := range s.order {
		out = append(out, s.byKind[kind])
	}
	return out
}

// EnsureLoaded runs auto-load, via the registered factories, exactly once
// and only if nothing has been manually added yet.
func (s *ManagerSet) EnsureLoaded(ctx context.Context) error {
	s.mu.Lock()
	if s.autoLoaded || len(s.byKind) > 0 {
		s.mu.Unlock()
		return nil
	}
	s.autoLoaded = true
	factories := append([]Factory(nil), s.factories...)
	s.mu.Unlock()

	for _, f := range factories {
		m, err := f()
		if err != nil {
			s.logger.Warn("subtype manager factory failed, skipping", "err", err)
			continue
		}
		s.Add(m)
	}
	return nil
}
