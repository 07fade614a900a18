package devicemgr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure surfaced to the client as an ErrorReply.
type ErrorKind string

const (
	KindDeviceError  ErrorKind = "DeviceError"
	KindMessageError ErrorKind = "MessageError"
	KindCancelled    ErrorKind = "Cancelled"
)

// ErrNoScanBackends is returned verbatim in the ErrorReply message for
// StartScanning when the manager set is empty even after auto-load.
var ErrNoScanBackends = errors.New("No scan backends available")

// ErrAlreadyScanning is returned when StartScanning is called while a scan
// is already Starting or Scanning.
var ErrAlreadyScanning = errors.New("a scan is already in progress")

// ErrCancelled is returned by a device when its call's context was
// cancelled before it produced a reply; Dispatcher reports it (or
// context.Canceled) as an ErrorReply of kind KindCancelled.
var ErrCancelled = errors.New("cancelled")

// UnknownDeviceError reports that a device-addressed message named an index
// with no live registry entry.
type UnknownDeviceError struct {
	Index uint32
}

func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device index %d", e.Index)
}

// UnhandledMessageError reports an inbound message of a kind the dispatcher
// does not recognize as either a global control message or a device command.
type UnhandledMessageError struct {
	Kind string
}

func (e *UnhandledMessageError) Error() string {
	return fmt.Sprintf("unhandled message: %s", e.Kind)
}
