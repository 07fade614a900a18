// Package devicemgr is the server-side core that brokers between a single
// protocol client and a dynamic fleet of hardware devices discovered through
// pluggable subtype managers.
package devicemgr

import (
	"context"
	"encoding/json"
)

// MessageAttributes describes one message kind a device accepts: the spec
// version that introduced it and any device-supplied feature attributes
// (step counts, actuator counts, and the like) carried to the client as-is.
type MessageAttributes struct {
	MinSpecVersion uint32         `json:"-"`
	Attrs          map[string]any `json:"attrs,omitempty"`
}

// DeviceCommand is the generic envelope for a device-addressed inbound
// message. Kind names the message (e.g. "VibrateCmd"); Payload is left
// unparsed so individual device drivers own their own wire shapes without
// the core needing to know about them.
type DeviceCommand struct {
	ID          uint32
	DeviceIndex uint32
	Kind        string
	Payload     json.RawMessage
}

// Reply is returned for exactly one inbound message, carrying the request's
// ID back to the caller.
type Reply interface {
	ReplyID() uint32
}

// OkReply is the generic success reply for control messages.
type OkReply struct{ ID uint32 }

func (r OkReply) ReplyID() uint32 { return r.ID }

// ErrorReply is the generic failure reply.
type ErrorReply struct {
	ID      uint32
	Kind    ErrorKind
	Message string
}

func (r ErrorReply) ReplyID() uint32 { return r.ID }

// DeviceListEntry is one row of a RequestDeviceList reply.
type DeviceListEntry struct {
	DeviceIndex    uint32
	DeviceName     string
	DeviceMessages map[string]MessageAttributes
}

// DeviceListReply answers RequestDeviceList.
type DeviceListReply struct {
	ID      uint32
	Devices []DeviceListEntry
}

func (r DeviceListReply) ReplyID() uint32 { return r.ID }

// RawReply lets a device driver hand back an arbitrary payload it already
// has in wire shape (e.g. a sensor reading echoed as the reply to a read
// command) without the core needing to know the device-specific type.
type RawReply struct {
	ID      uint32
	Kind    string
	Payload json.RawMessage
}

func (r RawReply) ReplyID() uint32 { return r.ID }

// Device is the external contract a subtype manager's discovered device
// must satisfy. The core never constructs a Device; it only observes one
// handed to it by a SubtypeManager.
type Device interface {
	Identifier() string
	Name() string
	Connected() bool
	AllowedMessageTypes() map[string]MessageAttributes
	ParseMessage(ctx context.Context, cmd DeviceCommand) (Reply, error)
	Disconnect(ctx context.Context) error

	// Events exposes "removed" (no payload) and "message" (payload is a
	// DeviceEmittedPayload) to the registry, which subscribes for the
	// lifetime of the device's registry entry.
	Events() *EventBus
}

// DeviceEmittedPayload is the "message" event payload a Device publishes
// when it has data to push to the client outside of a reply (e.g. a sensor
// report).
type DeviceEmittedPayload struct {
	Kind    string
	Payload json.RawMessage
}

// SubtypeManager is a pluggable discovery backend. The core asks it to
// start/stop scanning and observes the devices and scan-completion events it
// emits; it never reaches into the backend's transport mechanics.
type SubtypeManager interface {
	// Kind identifies the concrete backend for deduplication on AddManager.
	Kind() string
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
	IsScanning() bool

	// Events exposes "device_added" (payload Device) and "scanning_finished"
	// (no payload).
	Events() *EventBus
}

// Factory constructs a SubtypeManager for auto-load. Registered factories
// replace the reflective subclass discovery an assembly-scanning plugin
// model would otherwise need.
type Factory func() (SubtypeManager, error)
