package devicemgr

import (
	"context"
	"errors"
	"fmt"
)

// GlobalMessage is one of the four recognized control messages with no
// device addressing.
type GlobalMessage int

const (
	StartScanningMsg GlobalMessage = iota
	StopScanningMsg
	StopAllDevicesMsg
	RequestDeviceListMsg
)

// Dispatcher routes one inbound message to a reply, reaching the Registry
// and the ScanCoordinator (and, through the coordinator, the ManagerSet).
// Manager fronts it for callers.
type Dispatcher struct {
	registry    *Registry
	scan        *ScanCoordinator
	specVersion uint32
}

// NewDispatcher builds a Dispatcher. specVersion gates which message types
// RequestDeviceList reports as supported for each device.
func NewDispatcher(registry *Registry, scan *ScanCoordinator, specVersion uint32) *Dispatcher {
	return &Dispatcher{registry: registry, scan: scan, specVersion: specVersion}
}

// SendGlobal handles one of the four global control messages.
func (d *Dispatcher) SendGlobal(ctx context.Context, id uint32, msg GlobalMessage) Reply {
	switch msg {
	case StartScanningMsg:
		if err := d.scan.Start(ctx); err != nil {
			return ErrorReply{ID: id, Kind: KindDeviceError, Message: err.Error()}
		}
		return OkReply{ID: id}

	case StopScanningMsg:
		if err := d.scan.Stop(ctx); err != nil {
			return ErrorReply{ID: id, Kind: KindDeviceError, Message: err.Error()}
		}
		return OkReply{ID: id}

	case StopAllDevicesMsg:
		return d.stopAllDevices(ctx, id)

	case RequestDeviceListMsg:
		return DeviceListReply{ID: id, Devices: d.registry.SnapshotConnected(d.specVersion)}

	default:
		return ErrorReply{ID: id, Kind: KindMessageError, Message: "unhandled message"}
	}
}

// stopAllDevices sends StopDeviceCmd to every connected device in turn,
// concatenating failures into one DeviceError with a trailing separator
// after each message, matching the behavior of "e1; " for a single failure
// rather than a cleanly joined "e1". A reply that is neither OkReply nor
// ErrorReply counts as a failure too.
func (d *Dispatcher) stopAllDevices(ctx context.Context, id uint32) Reply {
	var combined string
	for _, idx := range d.registry.ConnectedIndices() {
		dev, ok := d.registry.Lookup(idx)
		if !ok {
			continue
		}
		cmd := DeviceCommand{ID: id, DeviceIndex: idx, Kind: "StopDeviceCmd"}
		reply, err := dev.ParseMessage(ctx, cmd)
		if err != nil {
			combined += err.Error() + "; "
			continue
		}
		switch r := reply.(type) {
		case OkReply:
		case ErrorReply:
			combined += r.Message + "; "
		default:
			combined += fmt.Sprintf("unexpected reply %T", reply) + "; "
		}
	}
	if combined != "" {
		return ErrorReply{ID: id, Kind: KindDeviceError, Message: combined}
	}
	return OkReply{ID: id}
}

// SendDevice routes a device-addressed command to its device, converting
// device errors (including context cancellation) into the single reply
// this message produces.
func (d *Dispatcher) SendDevice(ctx context.Context, cmd DeviceCommand) Reply {
	dev, ok := d.registry.Lookup(cmd.DeviceIndex)
	if !ok {
		// An unknown index is reported on the wire as a DeviceError carrying
		// the unknown-device detail, not a separate ErrorType: the device
		// addressed by cmd.DeviceIndex is simply not a device the client can
		// act on, the same family of failure as a live device rejecting the
		// command.
		err := &UnknownDeviceError{Index: cmd.DeviceIndex}
		return ErrorReply{ID: cmd.ID, Kind: KindDeviceError, Message: err.Error()}
	}

	reply, err := dev.ParseMessage(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
			return ErrorReply{ID: cmd.ID, Kind: KindCancelled, Message: ErrCancelled.Error()}
		}
		return ErrorReply{ID: cmd.ID, Kind: KindDeviceError, Message: err.Error()}
	}
	return reply
}
