package transport

import (
	"testing"

	"devicebroker/internal/devicemgr"
)

func TestDecodeBatchGlobalMessage(t *testing.T) {
	batch, err := DecodeBatch([]byte(`[{"StartScanning":{"Id":1}}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 message, got %d", len(batch))
	}
	msg := batch[0]
	if !msg.IsGlobal || msg.Global != devicemgr.StartScanningMsg || msg.ID != 1 {
		t.Fatalf("unexpected decode result: %#v", msg)
	}
}

func TestDecodeBatchDeviceMessage(t *testing.T) {
	batch, err := DecodeBatch([]byte(`[{"VibrateCmd":{"Id":5,"DeviceIndex":999,"Speeds":[]}}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := batch[0]
	if msg.IsGlobal || msg.DeviceIndex != 999 || msg.ID != 5 || msg.Kind != "VibrateCmd" {
		t.Fatalf("unexpected decode result: %#v", msg)
	}
}

func TestDecodeBatchDeviceMessageMissingIndex(t *testing.T) {
	_, err := DecodeBatch([]byte(`[{"VibrateCmd":{"Id":5}}]`))
	if err == nil {
		t.Fatal("expected an error when DeviceIndex is missing from a device-addressed message")
	}
}

func TestDecodeBatchRejectsMultiKeyElement(t *testing.T) {
	_, err := DecodeBatch([]byte(`[{"StartScanning":{"Id":1},"StopScanning":{"Id":2}}]`))
	if err == nil {
		t.Fatal("expected an error for a multi-key message element")
	}
}

func TestEncodeReplyOk(t *testing.T) {
	data, err := EncodeReply(devicemgr.OkReply{ID: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `[{"Ok":{"Id":3}}]` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestEncodeReplyError(t *testing.T) {
	data, err := EncodeReply(devicemgr.ErrorReply{ID: 5, Kind: devicemgr.KindMessageError, Message: "unhandled message"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `[{"Error":{"ErrorMessage":"unhandled message","ErrorType":"MessageError","Id":5}}]` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

// TestEncodeReplyErrorUnknownDevice pins the wire shape for an
// unknown-device reply: ErrorType is the DeviceError family, not a separate
// UnknownDevice kind, carrying the unknown-index detail in ErrorMessage.
func TestEncodeReplyErrorUnknownDevice(t *testing.T) {
	data, err := EncodeReply(devicemgr.ErrorReply{ID: 5, Kind: devicemgr.KindDeviceError, Message: "unknown device index 999"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `[{"Error":{"ErrorMessage":"unknown device index 999","ErrorType":"DeviceError","Id":5}}]` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestEncodeEventScanningFinished(t *testing.T) {
	data, err := EncodeEvent(devicemgr.Event{Type: devicemgr.EventScanningFinished})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `[{"ScanningFinished":{}}]` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestEncodeEventDeviceAdded(t *testing.T) {
	data, err := EncodeEvent(devicemgr.Event{Type: devicemgr.EventDeviceAdded, Data: devicemgr.DeviceAddedOut{
		DeviceIndex: 1,
		DeviceName:  "DevA",
		DeviceMessages: map[string]devicemgr.MessageAttributes{
			"StopDeviceCmd": {},
		},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty encoding")
	}
}
