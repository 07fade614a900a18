// Package transport is the boundary collaborator the core explicitly does
// not own: it frames devicemgr messages to and from the wire format shown
// in the protocol's scenarios, an array of single-key discriminated-union
// objects, and carries them over a WebSocket connection.
package transport

import (
	"encoding/json"
	"fmt"

	"devicebroker/internal/devicemgr"
)

// InboundMessage is one decoded element of an inbound batch, already
// resolved to either a global control message or a device command.
type InboundMessage struct {
	ID          uint32
	IsGlobal    bool
	Global      devicemgr.GlobalMessage
	DeviceIndex uint32
	Kind        string
	Payload     json.RawMessage
}

var globalKinds = map[string]devicemgr.GlobalMessage{
	"StartScanning":     devicemgr.StartScanningMsg,
	"StopScanning":      devicemgr.StopScanningMsg,
	"StopAllDevices":    devicemgr.StopAllDevicesMsg,
	"RequestDeviceList": devicemgr.RequestDeviceListMsg,
}

type envelopeFields struct {
	ID          uint32  `json:"Id"`
	DeviceIndex *uint32 `json:"DeviceIndex"`
}

// DecodeBatch parses one inbound JSON array of single-key objects into a
// slice of InboundMessage. A malformed element fails the whole batch; the
// wire format carries no partial-success semantics.
func DecodeBatch(data []byte) ([]InboundMessage, error) {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode message batch: %w", err)
	}

	out := make([]InboundMessage, 0, len(raw))
	for _, elem := range raw {
		if len(elem) != 1 {
			return nil, fmt.Errorf("expected exactly one key per message, got %d", len(elem))
		}
		for kind, payload := range elem {
			var fields envelopeFields
			if err := json.Unmarshal(payload, &fields); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
			msg := InboundMessage{ID: fields.ID, Kind: kind, Payload: payload}
			if g, ok := globalKinds[kind]; ok {
				msg.IsGlobal = true
				msg.Global = g
			} else {
				if fields.DeviceIndex == nil {
					return nil, fmt.Errorf("%s: missing DeviceIndex", kind)
				}
				msg.DeviceIndex = *fields.DeviceIndex
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// EncodeReply wraps a devicemgr.Reply in the wire envelope for the single
// element the client's request produced.
func EncodeReply(reply devicemgr.Reply) ([]byte, error) {
	var elem map[string]any
	switch r := reply.(type) {
	case devicemgr.OkReply:
		elem = map[string]any{"Ok": map[string]any{"Id": r.ID}}
	case devicemgr.ErrorReply:
		elem = map[string]any{"Error": map[string]any{
			"Id":           r.ID,
			"ErrorType":    r.Kind,
			"ErrorMessage": r.Message,
		}}
	case devicemgr.DeviceListReply:
		elem = map[string]any{"DeviceList": map[string]any{
			"Id":      r.ID,
			"Devices": r.Devices,
		}}
	case devicemgr.RawReply:
		elem = map[string]any{r.Kind: json.RawMessage(r.Payload)}
	default:
		return nil, fmt.Errorf("unknown reply type %T", reply)
	}
	return json.Marshal([]map[string]any{elem})
}

// EncodeEvent wraps one unsolicited devicemgr.Event in the same array
// envelope used for replies, so the client sees one consistent framing for
// everything arriving over the connection.
func EncodeEvent(ev devicemgr.Event) ([]byte, error) {
	var elem map[string]any
	switch ev.Type {
	case devicemgr.EventDeviceAdded:
		d := ev.Data.(devicemgr.DeviceAddedOut)
		elem = map[string]any{"DeviceAdded": map[string]any{
			"DeviceIndex":    d.DeviceIndex,
			"DeviceName":     d.DeviceName,
			"DeviceMessages": d.DeviceMessages,
		}}
	case devicemgr.EventDeviceRemoved:
		d := ev.Data.(devicemgr.DeviceRemovedOut)
		elem = map[string]any{"DeviceRemoved": map[string]any{"DeviceIndex": d.DeviceIndex}}
	case devicemgr.EventScanningFinished:
		elem = map[string]any{"ScanningFinished": map[string]any{}}
	case devicemgr.EventDeviceMessage:
		d := ev.Data.(devicemgr.DeviceMessageOut)
		elem = map[string]any{d.Kind: map[string]any{
			"DeviceIndex": d.DeviceIndex,
			"Payload":     json.RawMessage(d.Payload),
		}}
	default:
		return nil, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return json.Marshal([]map[string]any{elem})
}
