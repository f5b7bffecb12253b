package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lorawan-server/lorawan-node/internal/node"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

const baseConfig = `
device:
  dev_eui: "0004A30B001C0530"
  join_eui: "70B3D57ED0000000"
  app_key: "2B7E151628AED2A6ABF7158809CF4F3C"
`

func parse(t *testing.T, extra string) (*Config, error) {
	t.Helper()
	return Parse([]byte(baseConfig + extra))
}

func mustParse(t *testing.T, extra string) *Config {
	t.Helper()
	cfg, err := parse(t, extra)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := mustParse(t, "")

	if cfg.Device.Region != "US915" || cfg.Radio.Backend != BackendSimulated {
		t.Fatalf("region/backend = %s/%s", cfg.Device.Region, cfg.Radio.Backend)
	}
	if cfg.Uplink.Interval != 60*time.Second || cfg.Uplink.MaxSendAttempts != 200 ||
		cfg.Uplink.SendRetryInterval != 100*time.Millisecond || cfg.Uplink.AckTimeout != 30*time.Second {
		t.Fatalf("uplink = %+v", cfg.Uplink)
	}
	if cfg.Join.Timeout != 60*time.Second || cfg.Join.Settle != 15*time.Second {
		t.Fatalf("join = %+v", cfg.Join)
	}
	if cfg.Diagnostics.LinkCheckInterval != 300*time.Second || cfg.Diagnostics.LinkCheckWindow != 3*time.Second {
		t.Fatalf("diagnostics = %+v", cfg.Diagnostics)
	}
	if cfg.Uplink.Port != 2 || cfg.Uplink.ConfirmedRetries != 3 {
		t.Fatalf("port/retries = %d/%d", cfg.Uplink.Port, cfg.Uplink.ConfirmedRetries)
	}
	// US915 DR0 carries only 11 bytes
	if cfg.Session.DataRate == nil || *cfg.Session.DataRate != 1 {
		t.Fatalf("default data rate = %v, want DR1", cfg.Session.DataRate)
	}
}

func TestDefaultDataRateHonoursDutyCycle(t *testing.T) {
	tests := []struct {
		interval string
		want     int
	}{
		{"60s", 2},
		{"150s", 1},
		{"300s", 0},
	}
	for _, tt := range tests {
		cfg := mustParse(t, "  region: EU868\nuplink:\n  interval: "+tt.interval+"\n")
		if got := *cfg.Session.DataRate; got != tt.want {
			t.Errorf("interval %s: data rate = DR%d, want DR%d", tt.interval, got, tt.want)
		}
	}
}

func TestDutyCycleFloor(t *testing.T) {
	_, err := parse(t, "  region: EU868\nsession:\n  data_rate: 0\n")
	if err == nil || !strings.Contains(err.Error(), "duty cycle") {
		t.Fatalf("Parse = %v, want duty cycle error", err)
	}

	cfg := mustParse(t, "  region: EU868\nsession:\n  data_rate: 5\n")
	if *cfg.Session.DataRate != 5 {
		t.Fatalf("data rate = %d, want 5", *cfg.Session.DataRate)
	}
}

func TestPayloadMustFitDataRate(t *testing.T) {
	_, err := parse(t, "session:\n  data_rate: 0\n")
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("Parse = %v, want payload size error", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LORAWAN_REGION", "au915")
	t.Setenv("SERIAL_PORT", "/dev/ttyUSB3")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DATABASE_URL", "postgres://node@db/events")

	cfg := mustParse(t, "radio:\n  backend: atmodem\n")
	if cfg.Log.Level != "debug" || cfg.Device.Region != "AU915" || cfg.Radio.Serial.Port != "/dev/ttyUSB3" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Log, cfg.Device)
	}
	if cfg.Reporting.NATS.URL != "nats://bus:4222" || cfg.Reporting.MQTT.Broker != "tcp://broker:1883" {
		t.Fatalf("reporting = %+v", cfg.Reporting)
	}
	if cfg.JWT.Secret != "s3cret" || cfg.Database.DSN != "postgres://node@db/events" {
		t.Fatalf("secret/dsn not overridden")
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{"bad region", "  region: XX123\n"},
		{"bad channel mask", "  channel_mask: \"zz\"\n"},
		{"atmodem without port", "radio:\n  backend: atmodem\n"},
		{"unknown backend", "radio:\n  backend: sx1276\n"},
		{"unknown mode", "radio:\n  mode: threads\n"},
		{"concurrent cooperative", "radio:\n  mode: cooperative\ndiagnostics:\n  concurrent: true\n"},
		{"ack timeout too long", "uplink:\n  ack_timeout: 90s\n"},
		{"retries", "uplink:\n  confirmed_retries: 16\n"},
		{"payload format", "uplink:\n  payload_format: xml\n"},
		{"api without secret", "api:\n  enabled: true\n  operator:\n    username: op\n    password_hash: x\n"},
		{"api plaintext password", "api:\n  enabled: true\n  operator:\n    username: op\n    password_hash: hunter2\njwt:\n  secret: s\n"},
		{"mqtt without broker", "reporting:\n  mqtt:\n    enabled: true\n"},
		{"store without dsn", "reporting:\n  store: true\n"},
		{"tx power", "session:\n  tx_power: 20\n"},
		{"negative webhook rate", "reporting:\n  webhook:\n    enabled: true\n    url: http://x\n    rate_limit: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(t, tt.extra); err == nil {
				t.Fatal("Parse succeeded")
			}
		})
	}
}

func TestMissingDeviceIdentity(t *testing.T) {
	if _, err := Parse([]byte("log:\n  level: info\n")); err == nil {
		t.Fatal("Parse accepted a config without device identity")
	}
}

func TestControllerConfig(t *testing.T) {
	cfg := mustParse(t, `  region: US915
  channel_mask: "00FF00000000000000000000"
radio:
  mode: preemptive
uplink:
  interval: 120s
  payload_format: cbor
session:
  adr_enabled: false
  data_rate: 3
  tx_power: 0
diagnostics:
  concurrent: true
`)

	nc, err := cfg.ControllerConfig()
	if err != nil {
		t.Fatalf("ControllerConfig: %v", err)
	}
	if nc.Region != lorawan.US915 || nc.Mode != node.ModePreemptive || !nc.ConcurrentDiagnostics {
		t.Fatalf("controller config = %+v", nc)
	}
	if nc.Interval != 120*time.Second || *nc.DataRate != 3 || *nc.TxPower != 0 || *nc.ADREnabled {
		t.Fatalf("controller config = %+v", nc)
	}
	if _, ok := nc.Composer.(node.CBORComposer); !ok {
		t.Fatalf("composer = %T, want CBOR", nc.Composer)
	}
	if got := nc.Join.ChannelMask.SubBands(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("sub-bands = %v, want [1]", got)
	}
	if nc.Join.DevEUI.String() != "0004a30b001c0530" {
		t.Fatalf("dev EUI = %s", nc.Join.DevEUI)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yml")
	if err := os.WriteFile(path, []byte(baseConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr() != "0.0.0.0:8090" {
		t.Fatalf("APIAddr = %s", cfg.APIAddr())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}

func TestReportingSettings(t *testing.T) {
	cfg := mustParse(t, `
reporting:
  nats:
    enabled: true
  mqtt:
    enabled: true
    broker: "tcp://localhost:1883"
    encoding: protobuf
  webhook:
    enabled: true
    url: "http://localhost:9000/events"
    rate_limit: 2.5
    burst: 4
`)

	n := cfg.NATSSettings()
	if n.URL != "nats://localhost:4222" || n.SubjectPrefix != "lorawan.node" || n.MaxReconnects != -1 {
		t.Fatalf("NATSSettings = %+v", n)
	}

	m := cfg.MQTTSettings()
	if m.ClientID != "lorawan-node-0004a30b001c0530" || m.Encoding != "protobuf" || m.TopicPrefix != "lorawan/node" {
		t.Fatalf("MQTTSettings = %+v", m)
	}

	w := cfg.WebhookSettings()
	if w.URL != "http://localhost:9000/events" || w.Timeout != 10*time.Second || w.RatePerSecond != 2.5 || w.Burst != 4 {
		t.Fatalf("WebhookSettings = %+v", w)
	}
}
