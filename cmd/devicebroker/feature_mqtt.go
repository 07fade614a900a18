//go:build !no_mqtt

package main

import (
	"log/slog"
	"time"

	"devicebroker/internal/devicemgr"
	"devicebroker/internal/store"
	"devicebroker/internal/subtypemgr"
)

func registerMQTT(mgr *devicemgr.Manager, cfg *Config, db *store.BoltStore, logger *slog.Logger) {
	if !cfg.MQTT.Enabled {
		return
	}
	scanWindow, _ := time.ParseDuration(cfg.MQTT.ScanWindow)
	mgr.RegisterFactory(func() (devicemgr.SubtypeManager, error) {
		m, err := subtypemgr.NewMQTTManager(subtypemgr.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			DiscoveryTopic: cfg.MQTT.DiscoveryTopic,
			ScanWindow:     scanWindow,
		}, logger)
		if err != nil {
			return nil, err
		}
		_ = db.SaveManagerConfig(&store.ManagerConfig{
			Kind:     "mqtt",
			Settings: map[string]string{"broker": cfg.MQTT.Broker, "discovery_topic": cfg.MQTT.DiscoveryTopic},
			Secret:   cfg.MQTT.Password,
			AddedAt:  time.Now(),
		})
		return m, nil
	})
}
