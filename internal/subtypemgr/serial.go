// Package subtypemgr provides concrete devicemgr.SubtypeManager backends.
package subtypemgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"devicebroker/internal/devicemgr"
)

// SerialManager discovers hardware attached on the serial ports the
// operating system reports; there is no name filter. It probes each port by
// opening and immediately closing it, so a scan completes synchronously and
// fires ScanningFinished from inside StartScanning itself — the fast-return
// shape the Scan Coordinator's Starting-suppression logic exists to handle
// correctly.
type SerialManager struct {
	mode   *serial.Mode
	logger *slog.Logger

	mu       sync.Mutex
	scanning bool

	events *devicemgr.EventBus

	// ports is overridable for tests; defaults to serial.GetPortsList.
	ports func() ([]string, error)
	open  func(name string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialManager builds a manager that probes real serial ports at the
// given baud rate.
func NewSerialManager(baudRate int, logger *slog.Logger) *SerialManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	return &SerialManager{
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		logger: logger,
		events: devicemgr.NewEventBus(logger),
		ports:  serial.GetPortsList,
		open:   serial.Open,
	}
}

func (m *SerialManager) Kind() string { return "serial" }

func (m *SerialManager) Events() *devicemgr.EventBus { return m.events }

func (m *SerialManager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// StartScanning enumerates candidate ports, probes each by opening it
// briefly, and announces every port that accepted the configured mode as a
// discovered device. The whole probe runs synchronously; ScanningFinished
// fires before StartScanning returns.
func (m *SerialManager) StartScanning(ctx context.Context) error {
	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()

	names, err := m.ports()
	if err != nil {
		m.logger.Error("serial port enumeration failed", "err", err)
		names = nil
	}

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		port, err := m.open(name, m.mode)
		if err != nil {
			m.logger.Debug("serial port probe failed", "port", name, "err", err)
			continue
		}
		_ = port.Close()
		m.events.Emit(devicemgr.Event{
			Type: devicemgr.EventDeviceAdded,
			Data: newSerialDevice(name),
		})
	}

	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	m.events.Emit(devicemgr.Event{Type: devicemgr.EventScanningFinished})
	return nil
}

// StopScanning is a no-op: a scan is a synchronous sweep that has already
// finished by the time StartScanning returns.
func (m *SerialManager) StopScanning(ctx context.Context) error {
	return nil
}

// serialDevice is a minimal Device representing a probed serial port. It
// has no command vocabulary of its own; a real deployment would hand the
// opened port to a protocol-specific driver, which is outside this core's
// scope.
type serialDevice struct {
	port      string
	connected bool
	mu        sync.Mutex
	events    *devicemgr.EventBus
}

func newSerialDevice(port string) *serialDevice {
	return &serialDevice{port: port, connected: true, events: devicemgr.NewEventBus(nil)}
}

func (d *serialDevice) Identifier() string { return "serial:" + d.port }
func (d *serialDevice) Name() string       { return fmt.Sprintf("Serial device on %s", d.port) }

func (d *serialDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *serialDevice) AllowedMessageTypes() map[string]devicemgr.MessageAttributes {
	return map[string]devicemgr.MessageAttributes{
		"StopDeviceCmd": {MinSpecVersion: 0},
	}
}

func (d *serialDevice) ParseMessage(ctx context.Context, cmd devicemgr.DeviceCommand) (devicemgr.Reply, error) {
	select {
	case <-ctx.Done():
		return nil, devicemgr.ErrCancelled
	default:
	}
	switch cmd.Kind {
	case "StopDeviceCmd":
		return devicemgr.OkReply{ID: cmd.ID}, nil
	default:
		return nil, fmt.Errorf("serial device does not support %s", cmd.Kind)
	}
}

func (d *serialDevice) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.events.Emit(devicemgr.Event{Type: devicemgr.EventRemoved})
	return nil
}

func (d *serialDevice) Events() *devicemgr.EventBus { return d.events }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
