package subtypemgr

import (
	"context"
	"testing"

	"go.bug.st/serial"

	"devicebroker/internal/devicemgr"
)

func TestSerialManagerAnnouncesOpenablePorts(t *testing.T) {
	m := NewSerialManager(115200, nil)
	m.ports = func() ([]string, error) { return []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, nil }
	m.open = func(name string, mode *serial.Mode) (serial.Port, error) {
		if name == "/dev/ttyUSB1" {
			return nil, errFake
		}
		return fakePort{}, nil
	}

	var added []string
	finished := false
	m.Events().On(devicemgr.EventDeviceAdded, func(ev Event) {
		added = append(added, ev.Data.(*serialDevice).Identifier())
	})
	m.Events().On(devicemgr.EventScanningFinished, func(Event) { finished = true })

	if err := m.StartScanning(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(added) != 1 || added[0] != "serial:/dev/ttyUSB0" {
		t.Fatalf("expected only the openable port to be announced, got %v", added)
	}
	if !finished {
		t.Fatal("expected ScanningFinished to fire before StartScanning returns")
	}
	if m.IsScanning() {
		t.Fatal("expected scanning to be false once the sweep completes")
	}
}

type Event = devicemgr.Event

var errFake = fakeErr{}

type fakeErr struct{}

func (fakeErr) Error() string { return "open failed" }

type fakePort struct{ serial.Port }

func (fakePort) Close() error { return nil }
