package report

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/lorawan-server/lorawan-node/internal/models"
)

// Payload encodings for the MQTT sink
const (
	EncodingJSON     = "json"
	EncodingProtobuf = "protobuf"
)

// MQTTConfig configures the MQTT sink
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Encoding    string
	TLS         bool
	Timeout     time.Duration
}

// MQTTSink publishes events on <prefix>/<devEUI>/<type>
type MQTTSink struct {
	client   mqtt.Client
	prefix   string
	qos      byte
	encoding string
	timeout  time.Duration
}

// NewMQTTSink connects to the broker
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingJSON
	}
	if cfg.Encoding != EncodingJSON && cfg.Encoding != EncodingProtobuf {
		return nil, fmt.Errorf("unknown MQTT encoding %q", cfg.Encoding)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lorawan-node-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(client mqtt.Client, cfg MQTTConfig) *MQTTSink {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "lorawan/node"
	}
	return &MQTTSink{
		client:   client,
		prefix:   prefix,
		qos:      cfg.QoS,
		encoding: cfg.Encoding,
		timeout:  cfg.Timeout,
	}
}

// Publish implements Sink
func (s *MQTTSink) Publish(_ context.Context, event *models.EventLog) error {
	data, err := Encode(event, s.encoding)
	if err != nil {
		return err
	}

	topic := Topic(s.prefix, event)
	token := s.client.Publish(topic, s.qos, false, data)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close implements Sink
func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}

// Encode serializes an event as JSON or as a protobuf Struct
func Encode(event *models.EventLog, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingJSON:
		data, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		return data, nil
	case EncodingProtobuf:
		msg, err := toStruct(event)
		if err != nil {
			return nil, err
		}
		data, err := proto.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// DecodeProtobuf parses an event encoded with EncodingProtobuf
func DecodeProtobuf(data []byte) (*models.EventLog, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	f := msg.GetFields()

	event := &models.EventLog{
		DevEUI:      f["devEUI"].GetStringValue(),
		Type:        models.EventType(f["type"].GetStringValue()),
		Level:       models.EventLevel(f["level"].GetStringValue()),
		Code:        models.EventCode(f["code"].GetStringValue()),
		Description: f["description"].GetStringValue(),
		Details:     models.Variables{},
	}

	id, err := uuid.Parse(f["id"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode event id: %w", err)
	}
	event.ID = id

	if v, ok := f["cycleId"]; ok {
		cycleID, err := uuid.Parse(v.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("decode cycle id: %w", err)
		}
		event.CycleID = &cycleID
	}

	if ts := f["createdAt"].GetStructValue().GetFields(); ts != nil {
		event.CreatedAt = (&timestamppb.Timestamp{
			Seconds: int64(ts["seconds"].GetNumberValue()),
			Nanos:   int32(ts["nanos"].GetNumberValue()),
		}).AsTime()
	}
	if details := f["details"].GetStructValue(); details != nil {
		event.Details = details.AsMap()
	}
	return event, nil
}

func toStruct(event *models.EventLog) (*structpb.Struct, error) {
	ts := timestamppb.New(event.CreatedAt)
	fields := map[string]interface{}{
		"id":          event.ID.String(),
		"devEUI":      event.DevEUI,
		"type":        string(event.Type),
		"level":       string(event.Level),
		"code":        string(event.Code),
		"description": event.Description,
		"createdAt": map[string]interface{}{
			"seconds": float64(ts.GetSeconds()),
			"nanos":   float64(ts.GetNanos()),
		},
	}
	if event.CycleID != nil {
		fields["cycleId"] = event.CycleID.String()
	}
	if len(event.Details) > 0 {
		// structpb only takes JSON-like values
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		var details map[string]interface{}
		if err := json.Unmarshal(raw, &details); err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		fields["details"] = details
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build event struct: %w", err)
	}
	return msg, nil
}
