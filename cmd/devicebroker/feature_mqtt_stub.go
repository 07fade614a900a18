//go:build no_mqtt

package main

import (
	"log/slog"

	"devicebroker/internal/devicemgr"
	"devicebroker/internal/store"
)

func registerMQTT(mgr *devicemgr.Manager, cfg *Config, db *store.BoltStore, logger *slog.Logger) {}
