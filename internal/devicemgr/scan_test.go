package devicemgr

import (
	"context"
	"testing"
)

// fakeManagerLister lets scan tests control the manager set directly,
// without going through ManagerSet's factory auto-load machinery.
type fakeManagerLister struct {
	managers []SubtypeManager
	loadErr  error
}

func (f *fakeManagerLister) All() []SubtypeManager { return f.managers }
func (f *fakeManagerLister) EnsureLoaded(ctx context.Context) error { return f.loadErr }

func TestScanNoBackends(t *testing.T) {
	lister := &fakeManagerLister{}
	out := NewEventBus(nil)
	c := NewScanCoordinator(lister, out, nil)

	err := c.Start(context.Background())
	if err != ErrNoScanBackends {
		t.Fatalf("expected ErrNoScanBackends, got %v", err)
	}
}

func TestScanFastReturnSuppressesPrematureFinish(t *testing.T) {
	mgr := newFakeSubtypeManager("fast")
	mgr.SyncFinish = true
	lister := &fakeManagerLister{managers: []SubtypeManager{mgr}}

	out := NewEventBus(nil)
	finished := collectEvents(out, EventScanningFinished)
	c := NewScanCoordinator(lister, out, nil)
	mgr.Events().On(EventScanningFinished, func(Event) { c.onManagerFinished() })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(*finished) != 1 {
		t.Fatalf("expected exactly 1 scanning_finished event, got %d", len(*finished))
	}
}

func TestScanAggregatesMultipleManagers(t *testing.T) {
	slow := newFakeSubtypeManager("slow")
	fast := newFakeSubtypeManager("fast")
	fast.SyncFinish = true
	lister := &fakeManagerLister{managers: []SubtypeManager{slow, fast}}

	out := NewEventBus(nil)
	finished := collectEvents(out, EventScanningFinished)
	c := NewScanCoordinator(lister, out, nil)
	slow.Events().On(EventScanningFinished, func(Event) { c.onManagerFinished() })
	fast.Events().On(EventScanningFinished, func(Event) { c.onManagerFinished() })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*finished) != 0 {
		t.Fatalf("expected no scanning_finished before the slow manager completes, got %d", len(*finished))
	}

	slow.Finish()
	if len(*finished) != 1 {
		t.Fatalf("expected exactly 1 scanning_finished once every manager is done, got %d", len(*finished))
	}
}

func TestScanAlreadyScanning(t *testing.T) {
	mgr := newFakeSubtypeManager("slow")
	lister := &fakeManagerLister{managers: []SubtypeManager{mgr}}
	out := NewEventBus(nil)
	c := NewScanCoordinator(lister, out, nil)
	mgr.Events().On(EventScanningFinished, func(Event) { c.onManagerFinished() })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Start(context.Background()); err != ErrAlreadyScanning {
		t.Fatalf("expected ErrAlreadyScanning, got %v", err)
	}
}

func TestScanStopTriggersFinish(t *testing.T) {
	mgr := newFakeSubtypeManager("slow")
	lister := &fakeManagerLister{managers: []SubtypeManager{mgr}}
	out := NewEventBus(nil)
	finished := collectEvents(out, EventScanningFinished)
	c := NewScanCoordinator(lister, out, nil)
	mgr.Events().On(EventScanningFinished, func(Event) { c.onManagerFinished() })

	_ = c.Start(context.Background())
	_ = c.Stop(context.Background())

	if len(*finished) != 1 {
		t.Fatalf("expected 1 scanning_finished after Stop, got %d", len(*finished))
	}
}
