package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ProgressPublisher publishes registration progress to MQTT. It implements
// Observer: every iteration goes to {prefix}/{runID}/progress and the run
// summary, retained, to {prefix}/{runID}/result.
type ProgressPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	logger        *slog.Logger

	mu        sync.Mutex
	published int
	failures  int
}

// NewProgressPublisher creates a publisher. If client is nil, publishing is
// disabled. An empty prefix falls back to MQTT_PUBLISH_PREFIX and then to
// DefaultPublishPrefix.
func NewProgressPublisher(client mqtt.Client, prefix string, logger *slog.Logger) *ProgressPublisher {
	if prefix == "" {
		prefix = envOr("MQTT_PUBLISH_PREFIX", DefaultPublishPrefix)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0, // Progress is fire and forget
		logger:        logger,
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ProgressPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// Topic returns the topic of kind for runID.
func (p *ProgressPublisher) Topic(runID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.publishPrefix, runID, kind)
}

// Stats returns the number of published and failed messages.
func (p *ProgressPublisher) Stats() (published, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failures
}

func (p *ProgressPublisher) publish(topic string, retain bool, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *ProgressPublisher) record(topic string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failures++
		p.logger.Debug("progress publish failed", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	p.published++
}

// OnIteration publishes one progress event. Failures are logged, never
// propagated into the registration.
func (p *ProgressPublisher) OnIteration(ev IterationEvent) {
	if p.client == nil {
		return
	}
	topic := p.Topic(ev.RunID, "progress")
	p.record(topic, p.publish(topic, false, ev))
}

// OnComplete publishes the retained run summary.
func (p *ProgressPublisher) OnComplete(s RunSummary) {
	if p.client == nil {
		return
	}
	topic := p.Topic(s.RunID, "result")
	p.record(topic, p.publish(topic, true, s))
}

// WatchCancel returns a context that is cancelled when any message arrives on
// {prefix}/{runID}/cancel. The returned stop function unsubscribes and
// releases the context. Without a client it only derives from ctx.
func (p *ProgressPublisher) WatchCancel(ctx context.Context, runID string) (context.Context, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	if p.client == nil {
		return ctx, cancel, nil
	}
	topic := p.Topic(runID, "cancel")
	token := p.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		p.logger.Info("cancel requested over MQTT", slog.String("topic", msg.Topic()))
		cancel()
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		cancel()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, token.Error())
	}
	stop := func() {
		p.client.Unsubscribe(topic)
		cancel()
	}
	return ctx, stop, nil
}

var _ Observer = (*ProgressPublisher)(nil)
