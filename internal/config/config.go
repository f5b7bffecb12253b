package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-node/internal/node"
	"github.com/lorawan-server/lorawan-node/internal/report"
	"github.com/lorawan-server/lorawan-node/internal/session"
	"github.com/lorawan-server/lorawan-node/internal/session/simulated"
	"github.com/lorawan-server/lorawan-node/pkg/crypto"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Radio backends
const (
	BackendSimulated = "simulated"
	BackendATModem   = "atmodem"
)

// Config represents the node configuration
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Device      DeviceConfig      `yaml:"device"`
	Radio       RadioConfig       `yaml:"radio"`
	Join        JoinConfig        `yaml:"join"`
	Uplink      UplinkConfig      `yaml:"uplink"`
	Session     SessionConfig     `yaml:"session"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Reporting   ReportingConfig   `yaml:"reporting"`
	API         APIConfig         `yaml:"api"`
	JWT         JWTConfig         `yaml:"jwt"`
	Database    DatabaseConfig    `yaml:"database"`
	Recorder    RecorderConfig    `yaml:"recorder"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// DeviceConfig holds the OTAA identity
type DeviceConfig struct {
	DevEUI      string `yaml:"dev_eui"`
	JoinEUI     string `yaml:"join_eui"`
	AppKey      string `yaml:"app_key"`
	Region      string `yaml:"region"`
	ChannelMask string `yaml:"channel_mask"`
}

// RadioConfig selects and configures the radio backend
type RadioConfig struct {
	Backend   string          `yaml:"backend"`
	Mode      string          `yaml:"mode"` // "" | cooperative | preemptive
	Serial    SerialConfig    `yaml:"serial"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// SerialConfig configures the AT modem port
type SerialConfig struct {
	Port            string        `yaml:"port"`
	BaudRate        int           `yaml:"baud_rate"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// SimulatorConfig tunes the simulated backend
type SimulatorConfig struct {
	JoinDelay         time.Duration `yaml:"join_delay"`
	JoinFails         bool          `yaml:"join_fails"`
	Restored          bool          `yaml:"restored"`
	AckRate           float64       `yaml:"ack_rate"`
	AckDelay          time.Duration `yaml:"ack_delay"`
	BusyPerSend       int           `yaml:"busy_per_send"`
	DownlinkRate      float64       `yaml:"downlink_rate"`
	DownlinkPort      uint8         `yaml:"downlink_port"`
	LinkCheckResponds bool          `yaml:"link_check_responds"`
	LinkCheckDelay    time.Duration `yaml:"link_check_delay"`
	Margin            uint8         `yaml:"margin"`
	Gateways          uint8         `yaml:"gateways"`
	Seed              int64         `yaml:"seed"`
}

// JoinConfig controls the network join
type JoinConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Settle  time.Duration `yaml:"settle"`
}

// UplinkConfig controls the confirmed-uplink cycle
type UplinkConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Port              uint8         `yaml:"port"`
	PayloadFormat     string        `yaml:"payload_format"` // text | cbor
	MaxSendAttempts   int           `yaml:"max_send_attempts"`
	SendRetryInterval time.Duration `yaml:"send_retry_interval"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	Settle            time.Duration `yaml:"settle"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ConfirmedRetries  int           `yaml:"confirmed_retries"`
}

// SessionConfig holds radio parameters applied before joining
type SessionConfig struct {
	ADREnabled *bool `yaml:"adr_enabled"`
	DataRate   *int  `yaml:"data_rate"`
	TxPower    *int  `yaml:"tx_power"`
}

// DiagnosticsConfig controls link checks
type DiagnosticsConfig struct {
	LinkCheckInterval time.Duration `yaml:"link_check_interval"`
	LinkCheckWindow   time.Duration `yaml:"link_check_window"`
	Concurrent        bool          `yaml:"concurrent"`
}

// ReportingConfig selects the event sinks
type ReportingConfig struct {
	NATS         NATSConfig    `yaml:"nats"`
	MQTT         MQTTConfig    `yaml:"mqtt"`
	Webhook      WebhookConfig `yaml:"webhook"`
	Store        bool          `yaml:"store"`
	MemoryEvents int           `yaml:"memory_events"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Encoding    string        `yaml:"encoding"` // json | protobuf
	TLS         bool          `yaml:"tls"`
	Timeout     time.Duration `yaml:"timeout"`
}

// WebhookConfig represents the HTTP webhook
type WebhookConfig struct {
	Enabled   bool              `yaml:"enabled"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	RateLimit float64           `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int               `yaml:"burst"`
}

// APIConfig represents the status API
type APIConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Host        string         `yaml:"host"`
	Port        int            `yaml:"port"`
	CORSOrigins []string       `yaml:"cors_origins"`
	Operator    OperatorConfig `yaml:"operator"`
}

// OperatorConfig is the single API account
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RecorderConfig configures the event recorder
type RecorderConfig struct {
	QueueGroup string `yaml:"queue_group"`
}

// Load reads, overrides, defaults and validates a config file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a config from YAML
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.Reporting.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.Reporting.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if port := os.Getenv("SERIAL_PORT"); port != "" {
		c.Radio.Serial.Port = port
	}

	if region := os.Getenv("LORAWAN_REGION"); region != "" {
		c.Device.Region = region
	}
}

func (c *Config) setDefaults() error {
	c.setDefaultLog()
	if err := c.setDefaultDevice(); err != nil {
		return err
	}
	c.setDefaultRadio()
	c.setDefaultTiming()
	if err := c.setDefaultDataRate(); err != nil {
		return err
	}
	c.setDefaultReporting()
	c.setDefaultAPI()
	return nil
}

func (c *Config) setDefaultLog() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

func (c *Config) setDefaultDevice() error {
	if c.Device.Region == "" {
		c.Device.Region = string(lorawan.US915)
	}
	region, err := lorawan.ParseRegion(c.Device.Region)
	if err != nil {
		return err
	}
	c.Device.Region = string(region)
	return nil
}

func (c *Config) setDefaultRadio() {
	if c.Radio.Backend == "" {
		c.Radio.Backend = BackendSimulated
	}
	if c.Radio.Serial.BaudRate == 0 {
		c.Radio.Serial.BaudRate = 115200
	}
	if c.Radio.Serial.ResponseTimeout == 0 {
		c.Radio.Serial.ResponseTimeout = 5 * time.Second
	}

	sim := &c.Radio.Simulator
	if sim.JoinDelay == 0 {
		sim.JoinDelay = 5 * time.Second
	}
	if sim.AckDelay == 0 {
		sim.AckDelay = 3 * time.Second
	}
	if sim.AckRate == 0 {
		sim.AckRate = 0.9
	}
	if sim.DownlinkPort == 0 {
		sim.DownlinkPort = 10
	}
}

func (c *Config) setDefaultTiming() {
	if c.Join.Timeout == 0 {
		c.Join.Timeout = 60 * time.Second
	}
	if c.Join.Settle == 0 {
		c.Join.Settle = 15 * time.Second
	}

	u := &c.Uplink
	if u.Interval == 0 {
		u.Interval = 60 * time.Second
	}
	if u.Port == 0 {
		u.Port = 2
	}
	if u.PayloadFormat == "" {
		u.PayloadFormat = "text"
	}
	if u.MaxSendAttempts == 0 {
		u.MaxSendAttempts = 200
	}
	if u.SendRetryInterval == 0 {
		u.SendRetryInterval = 100 * time.Millisecond
	}
	if u.AckTimeout == 0 {
		u.AckTimeout = 30 * time.Second
	}
	if u.Settle == 0 {
		u.Settle = 30 * time.Second
	}
	if u.PollInterval == 0 {
		u.PollInterval = 100 * time.Millisecond
	}
	if u.ConfirmedRetries == 0 {
		u.ConfirmedRetries = 3
	}

	if c.Diagnostics.LinkCheckInterval == 0 {
		c.Diagnostics.LinkCheckInterval = 300 * time.Second
	}
	if c.Diagnostics.LinkCheckWindow == 0 {
		c.Diagnostics.LinkCheckWindow = 3 * time.Second
	}
}

// setDefaultDataRate picks the lowest data rate that carries the largest
// payload within the duty cycle at the configured interval.
func (c *Config) setDefaultDataRate() error {
	if c.Session.DataRate != nil {
		return nil
	}
	size, err := c.MaxPayloadSize()
	if err != nil {
		return err
	}
	region := lorawan.Region(c.Device.Region).Configuration()
	for dr := range region.DataRates {
		if c.dataRateFits(region, dr, size) == nil {
			c.Session.DataRate = &dr
			return nil
		}
	}
	return fmt.Errorf("no %s data rate carries a %d byte payload every %s", c.Device.Region, size, c.Uplink.Interval)
}

func (c *Config) setDefaultReporting() {
	n := &c.Reporting.NATS
	if n.URL == "" {
		n.URL = "nats://localhost:4222"
	}
	if n.SubjectPrefix == "" {
		n.SubjectPrefix = "lorawan.node"
	}
	if n.MaxReconnects == 0 {
		n.MaxReconnects = -1
	}
	if n.ReconnectInterval == 0 {
		n.ReconnectInterval = 2 * time.Second
	}

	m := &c.Reporting.MQTT
	if m.TopicPrefix == "" {
		m.TopicPrefix = "lorawan/node"
	}
	if m.Encoding == "" {
		m.Encoding = report.EncodingJSON
	}
	if m.Timeout == 0 {
		m.Timeout = 5 * time.Second
	}

	if c.Reporting.Webhook.Timeout == 0 {
		c.Reporting.Webhook.Timeout = 10 * time.Second
	}
	if c.Reporting.MemoryEvents == 0 {
		c.Reporting.MemoryEvents = 1000
	}
	if c.Recorder.QueueGroup == "" {
		c.Recorder.QueueGroup = "event-recorder"
	}
}

func (c *Config) setDefaultAPI() {
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}
}

// Validate checks the config for values the controller cannot run with
func (c *Config) Validate() error {
	if _, err := c.JoinSettings(); err != nil {
		return err
	}

	switch c.Radio.Backend {
	case BackendSimulated:
	case BackendATModem:
		if c.Radio.Serial.Port == "" {
			return fmt.Errorf("radio.serial.port is required for the %s backend", BackendATModem)
		}
	default:
		return fmt.Errorf("unknown radio backend %q", c.Radio.Backend)
	}

	switch node.Mode(c.Radio.Mode) {
	case node.ModeAuto, node.ModeCooperative, node.ModePreemptive:
	default:
		return fmt.Errorf("unknown radio mode %q", c.Radio.Mode)
	}
	if c.Diagnostics.Concurrent && node.Mode(c.Radio.Mode) == node.ModeCooperative {
		return fmt.Errorf("diagnostics.concurrent requires preemptive mode")
	}

	u := c.Uplink
	if u.MaxSendAttempts < 1 {
		return fmt.Errorf("uplink.max_send_attempts must be at least 1")
	}
	if u.Port < 1 || u.Port > 223 {
		return fmt.Errorf("uplink.port %d outside application range 1-223", u.Port)
	}
	if u.ConfirmedRetries < 1 || u.ConfirmedRetries > 15 {
		return fmt.Errorf("uplink.confirmed_retries %d outside 1-15", u.ConfirmedRetries)
	}
	if u.AckTimeout >= u.Interval {
		return fmt.Errorf("uplink.ack_timeout %s must be shorter than the interval %s", u.AckTimeout, u.Interval)
	}
	if c.Diagnostics.LinkCheckWindow >= c.Diagnostics.LinkCheckInterval {
		return fmt.Errorf("diagnostics.link_check_window must be shorter than link_check_interval")
	}

	if c.Session.TxPower != nil && (*c.Session.TxPower < 0 || *c.Session.TxPower > 15) {
		return fmt.Errorf("session.tx_power %d outside 0-15", *c.Session.TxPower)
	}

	size, err := c.MaxPayloadSize()
	if err != nil {
		return err
	}
	region := lorawan.Region(c.Device.Region).Configuration()
	if err := c.dataRateFits(region, *c.Session.DataRate, size); err != nil {
		return err
	}

	if c.Reporting.MQTT.Enabled && c.Reporting.MQTT.Broker == "" {
		return fmt.Errorf("reporting.mqtt.broker is required when MQTT is enabled")
	}
	if c.Reporting.MQTT.QoS > 2 {
		return fmt.Errorf("reporting.mqtt.qos must be 0, 1 or 2")
	}
	if c.Reporting.Webhook.Enabled && c.Reporting.Webhook.URL == "" {
		return fmt.Errorf("reporting.webhook.url is required when the webhook is enabled")
	}
	if c.Reporting.Webhook.RateLimit < 0 || c.Reporting.Webhook.Burst < 0 {
		return fmt.Errorf("reporting.webhook rate_limit and burst must not be negative")
	}
	if c.Reporting.Store && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when reporting.store is enabled")
	}

	if c.API.Enabled {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required when the API is enabled")
		}
		if c.API.Operator.Username == "" || c.API.Operator.PasswordHash == "" {
			return fmt.Errorf("api.operator username and password_hash are required when the API is enabled")
		}
		if !crypto.IsPasswordHash(c.API.Operator.PasswordHash) {
			return fmt.Errorf("api.operator.password_hash is not a bcrypt hash")
		}
	}
	return nil
}

// dataRateFits checks the payload size limit and the regulatory duty
// cycle: the interval must exceed the off-time one uplink requires.
func (c *Config) dataRateFits(region *lorawan.RegionConfiguration, dr, size int) error {
	limit, err := region.MaxPayloadSize(dr)
	if err != nil {
		return err
	}
	if size > limit {
		return fmt.Errorf("%d byte payload exceeds the %d byte limit of %s DR%d", size, limit, region.Name, dr)
	}
	minInterval, err := region.MinUplinkInterval(dr, size)
	if err != nil {
		return err
	}
	if c.Uplink.Interval <= minInterval {
		return fmt.Errorf("uplink interval %s violates the %s duty cycle at DR%d (needs more than %s)",
			c.Uplink.Interval, region.Name, dr, minInterval)
	}
	return nil
}

// MaxPayloadSize returns the largest uplink payload the configured format
// produces
func (c *Config) MaxPayloadSize() (int, error) {
	composer, err := node.NewComposer(c.Uplink.PayloadFormat)
	if err != nil {
		return 0, err
	}
	return node.WorstCaseSize(composer)
}

// JoinSettings parses the OTAA identity
func (c *Config) JoinSettings() (session.JoinConfig, error) {
	var jc session.JoinConfig
	var err error

	if jc.DevEUI, err = lorawan.ParseEUI64(c.Device.DevEUI); err != nil {
		return jc, fmt.Errorf("device.dev_eui: %w", err)
	}
	if jc.JoinEUI, err = lorawan.ParseEUI64(c.Device.JoinEUI); err != nil {
		return jc, fmt.Errorf("device.join_eui: %w", err)
	}
	if jc.AppKey, err = lorawan.ParseAES128Key(c.Device.AppKey); err != nil {
		return jc, fmt.Errorf("device.app_key: %w", err)
	}
	if c.Device.ChannelMask != "" {
		if jc.ChannelMask, err = lorawan.ParseChannelMask(c.Device.ChannelMask); err != nil {
			return jc, fmt.Errorf("device.channel_mask: %w", err)
		}
	}
	return jc, nil
}

// ControllerConfig builds the controller policy
func (c *Config) ControllerConfig() (node.Config, error) {
	join, err := c.JoinSettings()
	if err != nil {
		return node.Config{}, err
	}
	composer, err := node.NewComposer(c.Uplink.PayloadFormat)
	if err != nil {
		return node.Config{}, err
	}

	return node.Config{
		Region: lorawan.Region(c.Device.Region),
		Radio: session.RadioConfig{
			Port:            c.Radio.Serial.Port,
			BaudRate:        c.Radio.Serial.BaudRate,
			ResponseTimeout: c.Radio.Serial.ResponseTimeout,
		},
		Join:                  join,
		JoinTimeout:           c.Join.Timeout,
		JoinSettle:            c.Join.Settle,
		Interval:              c.Uplink.Interval,
		Port:                  c.Uplink.Port,
		MaxSendAttempts:       c.Uplink.MaxSendAttempts,
		SendRetryInterval:     c.Uplink.SendRetryInterval,
		AckTimeout:            c.Uplink.AckTimeout,
		Settle:                c.Uplink.Settle,
		PollInterval:          c.Uplink.PollInterval,
		ConfirmedRetries:      c.Uplink.ConfirmedRetries,
		ADREnabled:            c.Session.ADREnabled,
		DataRate:              c.Session.DataRate,
		TxPower:               c.Session.TxPower,
		LinkCheckInterval:     c.Diagnostics.LinkCheckInterval,
		LinkCheckWindow:       c.Diagnostics.LinkCheckWindow,
		ConcurrentDiagnostics: c.Diagnostics.Concurrent,
		Mode:                  node.Mode(c.Radio.Mode),
		Composer:              composer,
	}, nil
}

// SimulatorConfig builds the simulated session settings
func (c *Config) SimulatorConfig() simulated.Config {
	s := c.Radio.Simulator
	return simulated.Config{
		JoinDelay:         s.JoinDelay,
		JoinFails:         s.JoinFails,
		Restored:          s.Restored,
		AckRate:           s.AckRate,
		AckDelay:          s.AckDelay,
		BusyPerSend:       s.BusyPerSend,
		DownlinkRate:      s.DownlinkRate,
		DownlinkPort:      s.DownlinkPort,
		LinkCheckResponds: s.LinkCheckResponds,
		LinkCheckDelay:    s.LinkCheckDelay,
		Margin:            s.Margin,
		Gateways:          s.Gateways,
		Seed:              s.Seed,
	}
}

// NATSSettings converts the NATS section for the reporting layer
func (c *Config) NATSSettings() report.NATSConfig {
	n := c.Reporting.NATS
	return report.NATSConfig{
		URL:               n.URL,
		SubjectPrefix:     n.SubjectPrefix,
		ReconnectInterval: n.ReconnectInterval,
		MaxReconnects:     n.MaxReconnects,
	}
}

// MQTTSettings converts the MQTT section for the reporting layer
func (c *Config) MQTTSettings() report.MQTTConfig {
	m := c.Reporting.MQTT
	clientID := m.ClientID
	if clientID == "" {
		clientID = "lorawan-node-" + strings.ToLower(c.Device.DevEUI)
	}
	return report.MQTTConfig{
		Broker:      m.Broker,
		ClientID:    clientID,
		Username:    m.Username,
		Password:    m.Password,
		TopicPrefix: m.TopicPrefix,
		QoS:         m.QoS,
		Encoding:    m.Encoding,
		TLS:         m.TLS,
		Timeout:     m.Timeout,
	}
}

// WebhookSettings converts the webhook section for the reporting layer
func (c *Config) WebhookSettings() report.WebhookConfig {
	w := c.Reporting.Webhook
	return report.WebhookConfig{
		URL:           w.URL,
		Headers:       w.Headers,
		Timeout:       w.Timeout,
		RatePerSecond: w.RateLimit,
		Burst:         w.Burst,
	}
}

// APIAddr returns host:port of the status API
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// PrintConfigSummary prints a configuration summary
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Node Configuration ===\n")
	fmt.Printf("Device: %s (join EUI %s)\n", strings.ToUpper(c.Device.DevEUI), strings.ToUpper(c.Device.JoinEUI))
	if key, err := lorawan.ParseAES128Key(c.Device.AppKey); err == nil {
		fmt.Printf("App Key: %s\n", key.Redacted())
	}
	fmt.Printf("Region: %s\n", c.Device.Region)
	if c.Device.ChannelMask != "" {
		if mask, err := lorawan.ParseChannelMask(c.Device.ChannelMask); err == nil {
			fmt.Printf("  Channel Mask: %s (sub-bands %v)\n", mask, mask.SubBands())
		}
	}

	fmt.Printf("Radio: %s", c.Radio.Backend)
	if c.Radio.Mode != "" {
		fmt.Printf(" (%s)", c.Radio.Mode)
	}
	fmt.Printf("\n")
	if c.Radio.Backend == BackendATModem {
		fmt.Printf("  Serial: %s @ %d baud\n", c.Radio.Serial.Port, c.Radio.Serial.BaudRate)
	}

	fmt.Printf("Join: timeout %s, settle %s\n", c.Join.Timeout, c.Join.Settle)
	fmt.Printf("Uplink: every %s on port %d (%s payload)\n", c.Uplink.Interval, c.Uplink.Port, c.Uplink.PayloadFormat)
	fmt.Printf("  Send: %d attempts every %s, ack timeout %s, settle %s\n",
		c.Uplink.MaxSendAttempts, c.Uplink.SendRetryInterval, c.Uplink.AckTimeout, c.Uplink.Settle)

	if c.Session.DataRate != nil {
		region := lorawan.Region(c.Device.Region).Configuration()
		if size, err := c.MaxPayloadSize(); err == nil {
			if minInterval, err := region.MinUplinkInterval(*c.Session.DataRate, size); err == nil && minInterval > 0 {
				fmt.Printf("  Duty Cycle: DR%d needs at least %s between %d byte uplinks\n",
					*c.Session.DataRate, minInterval.Round(time.Millisecond), size)
			}
		}
		fmt.Printf("Session: DR%d", *c.Session.DataRate)
		if c.Session.ADREnabled != nil {
			fmt.Printf(", ADR %v", *c.Session.ADREnabled)
		}
		if c.Session.TxPower != nil {
			fmt.Printf(", TX power %d", *c.Session.TxPower)
		}
		fmt.Printf("\n")
	}

	fmt.Printf("Link Check: every %s, window %s, concurrent %v\n",
		c.Diagnostics.LinkCheckInterval, c.Diagnostics.LinkCheckWindow, c.Diagnostics.Concurrent)

	var sinks []string
	if c.Reporting.NATS.Enabled {
		sinks = append(sinks, "nats:"+c.Reporting.NATS.URL)
	}
	if c.Reporting.MQTT.Enabled {
		sinks = append(sinks, "mqtt:"+c.Reporting.MQTT.Broker)
	}
	if c.Reporting.Webhook.Enabled {
		sinks = append(sinks, "webhook:"+c.Reporting.Webhook.URL)
	}
	if c.Reporting.Store {
		sinks = append(sinks, "postgres")
	}
	fmt.Printf("Reporting: log %s\n", strings.Join(sinks, " "))

	if c.API.Enabled {
		fmt.Printf("API: %s (operator %s)\n", c.APIAddr(), c.API.Operator.Username)
	}
	fmt.Printf("==================================\n")

	log.Debug().Str("level", c.Log.Level).Str("format", c.Log.Format).Msg("Logging configured")
}
