package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newViper(values map[string]any) *viper.Viper {
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]any{"auth.master_secret": "x"}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Server.Port != 5005 {
		t.Fatalf("expected default port 5005, got %d", cfg.Server.Port)
	}
	if cfg.Server.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.Server.GinMode)
	}
	if cfg.Auth.TokenExpiry != 7*24*time.Hour {
		t.Fatalf("expected 7d token expiry, got %s", cfg.Auth.TokenExpiry)
	}
	if cfg.WebSocket.PingInterval != 25*time.Second {
		t.Fatalf("expected 25s ping interval, got %s", cfg.WebSocket.PingInterval)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.Realtime.MinViewportZoom != 10 {
		t.Fatalf("expected min zoom 10, got %d", cfg.Realtime.MinViewportZoom)
	}
	if cfg.Redis.Address != "" {
		t.Fatalf("expected redis disabled by default")
	}
	if cfg.Server.RequestRateLimit != 120 || cfg.Server.RequestRateWindow != time.Minute {
		t.Fatalf("unexpected request rate limit %d/%s", cfg.Server.RequestRateLimit, cfg.Server.RequestRateWindow)
	}
	if cfg.Redis.IndexRepairInterval != 30*time.Second {
		t.Fatalf("expected 30s index repair interval, got %s", cfg.Redis.IndexRepairInterval)
	}
}

func TestFromViper_MissingSecret(t *testing.T) {
	_, err := FromViper(newViper(nil))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestFromViper_Overrides(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]any{
		"auth.master_secret":         "x",
		"server.port":                "1234",
		"websocket.send_queue_size":  8,
		"realtime.operation_timeout": "3s",
	}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Server.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Server.Port)
	}
	if cfg.WebSocket.SendQueueSize != 8 {
		t.Fatalf("expected queue size 8, got %d", cfg.WebSocket.SendQueueSize)
	}
	if cfg.Realtime.OperationTimeout != 3*time.Second {
		t.Fatalf("expected 3s timeout, got %s", cfg.Realtime.OperationTimeout)
	}
}

func TestFromViper_RejectsBadValues(t *testing.T) {
	cases := []map[string]any{
		{"auth.master_secret": "x", "server.port": 70000},
		{"auth.master_secret": "x", "database.driver": "mongo"},
		{"auth.master_secret": "x", "websocket.send_queue_size": 0},
		{"auth.master_secret": "x", "realtime.history_max_limit": 10},
		{"auth.master_secret": "x", "server.request_rate_limit": 0},
		{"auth.master_secret": "x", "redis.address": "localhost:6379", "redis.index_repair_interval": "0s"},
	}
	for i, values := range cases {
		if _, err := FromViper(newViper(values)); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
