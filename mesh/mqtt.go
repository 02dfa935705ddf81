package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the topic root used when none is configured.
const DefaultPublishPrefix = "meshreg"

// newMQTTClient is replaced in tests with a constructor returning a MockClient.
var newMQTTClient = mqtt.NewClient

// mqttOptions builds paho client options from cfg after environment overrides.
func mqttOptions(cfg MQTTConfig, logger *slog.Logger) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "meshreg"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false) // Retried by ConnectMQTT so the context can stop it
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true) // Runs are short-lived; nothing to resume
	opts.SetOrderMatters(true) // Progress events must arrive in iteration order

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection interrupted, auto-reconnect will retry", slog.Any("error", err))
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting")
	})
	return opts
}

// ConnectMQTT connects to the configured broker, retrying with exponential
// backoff until ctx is done. Environment variables override cfg. With no
// broker configured MQTT is disabled and ConnectMQTT returns nil, nil.
func ConnectMQTT(ctx context.Context, cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyEnv()
	if cfg.Broker == "" {
		logger.Debug("MQTT disabled: no broker configured")
		return nil, nil
	}

	client := newMQTTClient(mqttOptions(cfg, logger))

	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second
	for {
		logger.Info("connecting to MQTT broker", slog.String("broker", cfg.Broker))
		token := client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				logger.Info("connected to MQTT broker")
				return client, nil
			}
			logger.Warn("MQTT connection failed", slog.Any("error", token.Error()))
		} else {
			logger.Warn("MQTT connection timeout")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to MQTT broker %s: %w", cfg.Broker, ctx.Err())
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// DisconnectMQTT gracefully closes client. A nil client is ignored.
func DisconnectMQTT(client mqtt.Client) {
	if client != nil && client.IsConnected() {
		client.Disconnect(250) // 250ms quiesce time
	}
}
