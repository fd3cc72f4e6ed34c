package influxdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
)

func TestConnect_Disabled(t *testing.T) {
	cfg := config.InfluxDBConfig{
		Enabled: false,
		URL:     "http://localhost:8086",
	}

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestClose_Nil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	client := &Client{}

	err := client.HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestWrites_DisconnectedAreNoOps(t *testing.T) {
	// A disconnected client drops writes silently; none of these may panic.
	client := &Client{}

	client.WriteMeterReading("12345678", "energy", 1532.7)
	client.WriteGatewayMetric("mbus-gw-01", "uptime_seconds", 3600)
	client.WritePointWithTime("meter_readings",
		map[string]string{"device_id": "12345678"},
		map[string]interface{}{"value": 1.0},
		time.Now(),
	)
	client.Flush()
}

func TestSetOnError(t *testing.T) {
	client := &Client{}

	called := false
	client.SetOnError(func(error) { called = true })

	client.mu.RLock()
	callback := client.onError
	client.mu.RUnlock()

	if callback == nil {
		t.Fatal("onError callback not stored")
	}
	callback(errors.New("write failed"))
	if !called {
		t.Error("stored callback was not the one provided")
	}
}
