//go:build !no_mqtt

package subtypemgr

import "testing"

func TestNewMQTTDeviceFromAnnouncement(t *testing.T) {
	dev := newMQTTDevice(nil, announcement{
		Identifier: "kitchen-plug",
		Name:       "Kitchen Plug",
		Messages:   map[string]int{"ToggleCmd": 2},
	})

	if dev.Identifier() != "kitchen-plug" {
		t.Fatalf("unexpected identifier: %s", dev.Identifier())
	}
	if dev.Name() != "Kitchen Plug" {
		t.Fatalf("unexpected name: %s", dev.Name())
	}
	if !dev.Connected() {
		t.Fatal("expected newly announced device to start connected")
	}

	allowed := dev.AllowedMessageTypes()
	if _, ok := allowed["StopDeviceCmd"]; !ok {
		t.Fatal("expected every mqtt device to support StopDeviceCmd")
	}
	toggle, ok := allowed["ToggleCmd"]
	if !ok || toggle.MinSpecVersion != 2 {
		t.Fatalf("expected ToggleCmd with MinSpecVersion 2, got %#v", allowed["ToggleCmd"])
	}
}

func TestMQTTManagerKind(t *testing.T) {
	m := &MQTTManager{}
	if m.Kind() != "mqtt" {
		t.Fatalf("unexpected kind: %s", m.Kind())
	}
}
