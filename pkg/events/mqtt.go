package events

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connTimeout    = 10
	reconnTimeout  = 1
	disconnTimeout = 250

	// Broadcast topic for round lifecycle; per-client invitations go to the
	// client's own topic so devices only wake for their invites.
	roundTopicTemplate  = "fl/%s/rounds"
	inviteTopicTemplate = "fl/clients/%s/invitations"
)

var errEmptyID = errors.New("empty ID")

// MQTTConfig carries broker connection settings.
type MQTTConfig struct {
	URL      string
	ClientID string
	Username string
	Password string
	QoS      byte
	Timeout  time.Duration
	CAPath   string
	CertPath string
	KeyPath  string
}

type mqttAnnouncer struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTT connects to the broker and returns an announcer publishing round
// events over it.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (Announcer, error) {
	if cfg.ClientID == "" {
		return nil, errEmptyID
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &mqttAnnouncer{
		client:  client,
		qos:     cfg.QoS,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

func (a *mqttAnnouncer) Announce(ctx context.Context, event Event) {
	topic := fmt.Sprintf(roundTopicTemplate, event.ModelKind)
	if event.Type == ClientInvited && event.ClientID != "" {
		topic = fmt.Sprintf(inviteTopicTemplate, event.ClientID)
	}

	data, err := json.Marshal(event)
	if err != nil {
		a.logger.Warn("Failed to marshal event", slog.Any("error", err))

		return
	}

	token := a.client.Publish(topic, a.qos, false, data)
	if token.Error() != nil {
		a.logger.Warn("Failed to publish event",
			slog.String("topic", topic), slog.Any("error", token.Error()))

		return
	}
	if ok := token.WaitTimeout(a.timeout); !ok {
		a.logger.Warn("Timed out publishing event", slog.String("topic", topic))
	}
}

func (a *mqttAnnouncer) Close(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		a.client.Disconnect(disconnTimeout)

		return nil
	}
}

func newClient(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connTimeout * time.Second).
		SetMaxReconnectInterval(reconnTimeout * time.Minute)

	if err := applyTLSConfig(opts, cfg.CAPath, cfg.CertPath, cfg.KeyPath); err != nil {
		return nil, err
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connection established")
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		args := []any{}
		if err != nil {
			args = append(args, slog.Any("error", err))
		}

		logger.Info("MQTT connection lost", args...)
	})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if token.Error() != nil {
		return nil, errors.Join(errors.New("failed to connect to MQTT broker"), token.Error())
	}
	if ok := token.WaitTimeout(cfg.Timeout); !ok {
		return nil, errors.New("timeout reached while connecting to MQTT broker")
	}

	return client, nil
}

func applyTLSConfig(opts *mqtt.ClientOptions, caPath, certPath, keyPath string) error {
	if caPath == "" {
		return nil
	}

	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: false,
		RootCAs:            caCertPool,
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	opts.SetTLSConfig(tlsConfig)

	return nil
}
