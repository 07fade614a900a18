//go:build !no_mqtt

package subtypemgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"devicebroker/internal/devicemgr"
)

// MQTTConfig configures the broker connection and the topic a discovery
// announcement must arrive on.
type MQTTConfig struct {
	Broker         string
	Username       string
	Password       string
	DiscoveryTopic string        // e.g. "devices/+/announce"
	ScanWindow     time.Duration // how long a scan stays subscribed before self-finishing
}

// announcement is the JSON payload a device publishes on DiscoveryTopic to
// announce itself.
type announcement struct {
	Identifier string         `json:"identifier"`
	Name       string         `json:"name"`
	Messages   map[string]int `json:"messages,omitempty"` // message kind -> min spec version
}

// MQTTManager discovers devices that announce themselves over MQTT, the
// same retained-announcement shape zigbee2mqtt-style bridges publish. A
// scan is the act of staying subscribed to the discovery topic for
// ScanWindow; anything that announces during that window is added.
type MQTTManager struct {
	client pahomqtt.Client
	cfg    MQTTConfig
	logger *slog.Logger
	events *devicemgr.EventBus

	mu       sync.Mutex
	scanning bool
	stop     chan struct{}
}

// NewMQTTManager connects to the broker eagerly (mirroring the teacher's
// bridge, which connects in its constructor) so connection failures surface
// at wiring time rather than at first scan.
func NewMQTTManager(cfg MQTTConfig, logger *slog.Logger) (*MQTTManager, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discard{}, nil))
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = 5 * time.Second
	}

	m := &MQTTManager{cfg: cfg, logger: logger.With("component", "mqtt_subtype_manager"), events: devicemgr.NewEventBus(logger)}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("devicebroker").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	m.client = client
	return m, nil
}

func (m *MQTTManager) Kind() string { return "mqtt" }

func (m *MQTTManager) Events() *devicemgr.EventBus { return m.events }

func (m *MQTTManager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// StartScanning subscribes to the discovery topic, announces every device
// seen for ScanWindow, then unsubscribes and fires ScanningFinished. The
// timer runs on a background goroutine so StartScanning returns once the
// subscription is acknowledged (or has failed after up to 5s), the
// slow-manager counterpart to SerialManager's synchronous sweep.
func (m *MQTTManager) StartScanning(ctx context.Context) error {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return nil
	}
	m.scanning = true
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()

	token := m.client.Subscribe(m.cfg.DiscoveryTopic, 1, m.handleMessage)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		m.logger.Error("mqtt subscribe failed", "topic", m.cfg.DiscoveryTopic, "err", token.Error())
		m.finish()
		return nil
	}

	go func() {
		select {
		case <-time.After(m.cfg.ScanWindow):
		case <-stop:
		case <-ctx.Done():
		}
		m.client.Unsubscribe(m.cfg.DiscoveryTopic)
		m.finish()
	}()
	return nil
}

// StopScanning cuts the scan window short; completion still surfaces
// through the same background goroutine StartScanning launched.
func (m *MQTTManager) StopScanning(ctx context.Context) error {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	return nil
}

func (m *MQTTManager) finish() {
	m.mu.Lock()
	m.scanning = false
	m.stop = nil
	m.mu.Unlock()
	m.events.Emit(devicemgr.Event{Type: devicemgr.EventScanningFinished})
}

func (m *MQTTManager) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	var a announcement
	if err := json.Unmarshal(msg.Payload(), &a); err != nil {
		m.logger.Warn("discarding malformed mqtt announcement", "err", err)
		return
	}
	if a.Identifier == "" {
		return
	}
	dev := newMQTTDevice(m.client, a)
	m.events.Emit(devicemgr.Event{Type: devicemgr.EventDeviceAdded, Data: dev})
}

// mqttDevice is a Device backed by an MQTT-announced identifier. Its
// StopDeviceCmd is published on <identifier>/set, leaving wire details to
// the physical bridge beyond it.
type mqttDevice struct {
	client     pahomqtt.Client
	identifier string
	name       string
	allowed    map[string]devicemgr.MessageAttributes

	mu        sync.Mutex
	connected bool
	events    *devicemgr.EventBus
}

func newMQTTDevice(client pahomqtt.Client, a announcement) *mqttDevice {
	allowed := make(map[string]devicemgr.MessageAttributes, len(a.Messages)+1)
	allowed["StopDeviceCmd"] = devicemgr.MessageAttributes{MinSpecVersion: 0}
	for kind, minVersion := range a.Messages {
		allowed[kind] = devicemgr.MessageAttributes{MinSpecVersion: uint32(minVersion)}
	}
	return &mqttDevice{
		client:     client,
		identifier: a.Identifier,
		name:       a.Name,
		allowed:    allowed,
		connected:  true,
		events:     devicemgr.NewEventBus(nil),
	}
}

func (d *mqttDevice) Identifier() string { return d.identifier }
func (d *mqttDevice) Name() string       { return d.name }

func (d *mqttDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *mqttDevice) AllowedMessageTypes() map[string]devicemgr.MessageAttributes { return d.allowed }

func (d *mqttDevice) ParseMessage(ctx context.Context, cmd devicemgr.DeviceCommand) (devicemgr.Reply, error) {
	select {
	case <-ctx.Done():
		return nil, devicemgr.ErrCancelled
	default:
	}
	if _, ok := d.allowed[cmd.Kind]; !ok {
		return nil, fmt.Errorf("device %s does not support %s", d.identifier, cmd.Kind)
	}
	topic := d.identifier + "/set"
	token := d.client.Publish(topic, 1, false, cmd.Payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return devicemgr.OkReply{ID: cmd.ID}, nil
}

func (d *mqttDevice) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	d.events.Emit(devicemgr.Event{Type: devicemgr.EventRemoved})
	return nil
}

func (d *mqttDevice) Events() *devicemgr.EventBus { return d.events }
