package devicemgr

import (
	"context"
	"errors"
	"testing"
)

func newTestDispatcher() (*Dispatcher, *Registry, *ManagerSet) {
	out := NewEventBus(nil)
	registry := NewRegistry(out, nil)
	scan := NewScanCoordinator(&fakeManagerLister{}, out, nil)
	managers := NewManagerSet(registry, scan.onManagerFinished, nil)
	scan.managers = managers
	return NewDispatcher(registry, scan, 0), registry, managers
}

func TestDispatchStartScanningNoBackends(t *testing.T) {
	d, _, _ := newTestDispatcher()
	reply := d.SendGlobal(context.Background(), 1, StartScanningMsg)

	errReply, ok := reply.(ErrorReply)
	if !ok {
		t.Fatalf("expected ErrorReply, got %#v", reply)
	}
	if errReply.Message != "No scan backends available" {
		t.Fatalf("unexpected message: %q", errReply.Message)
	}
	if errReply.ID != 1 {
		t.Fatalf("expected Id to be preserved, got %d", errReply.ID)
	}
}

func TestDispatchUnknownDevice(t *testing.T) {
	d, _, _ := newTestDispatcher()
	reply := d.SendDevice(context.Background(), DeviceCommand{ID: 5, DeviceIndex: 999, Kind: "VibrateCmd"})

	errReply, ok := reply.(ErrorReply)
	if !ok {
		t.Fatalf("expected ErrorReply, got %#v", reply)
	}
	if errReply.Message != "unknown device index 999" {
		t.Fatalf("unexpected message: %q", errReply.Message)
	}
	if errReply.Kind != KindDeviceError {
		t.Fatalf("expected KindDeviceError, got %v", errReply.Kind)
	}
}

func TestDispatchDeviceListAndStopAll(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	dev := newFakeDevice("A", "DevA")
	registry.OnDeviceAdded(dev)

	listReply := d.SendGlobal(context.Background(), 2, RequestDeviceListMsg).(DeviceListReply)
	if len(listReply.Devices) != 1 || listReply.Devices[0].DeviceName != "DevA" {
		t.Fatalf("unexpected device list: %#v", listReply.Devices)
	}

	okReply := d.SendGlobal(context.Background(), 3, StopAllDevicesMsg)
	if _, ok := okReply.(OkReply); !ok {
		t.Fatalf("expected OkReply, got %#v", okReply)
	}
}

func TestDispatchStopAllPartialFailure(t *testing.T) {
	d, registry, _ := newTestDispatcher()

	dev1 := newFakeDevice("A", "DevA")
	dev1.stopErr = errors.New("e1")
	dev2 := newFakeDevice("B", "DevB")

	registry.OnDeviceAdded(dev1)
	registry.OnDeviceAdded(dev2)

	reply := d.SendGlobal(context.Background(), 9, StopAllDevicesMsg)
	errReply, ok := reply.(ErrorReply)
	if !ok {
		t.Fatalf("expected ErrorReply, got %#v", reply)
	}
	if errReply.Message != "e1; " {
		t.Fatalf("expected trailing-separator message %q, got %q", "e1; ", errReply.Message)
	}
}
