// Package mqtt reports sleep/wake cycles to an MQTT broker, with optional
// Home Assistant auto-discovery for the host.
package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/wlanlpa/internal/event"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// publisher is the subset of pahomqtt.Client the reporter uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
}

// CyclePayload is the JSON body published for each notification.
type CyclePayload struct {
	Cycle     string    `json:"cycle"`
	Timestamp time.Time `json:"timestamp"`
	SleptMS   int64     `json:"slept_ms,omitempty"`
}

// Reporter publishes controller notifications to an MQTT broker. Its
// client options also describe the broker connection that the TLS
// keepalive offload can take over while the host sleeps.
type Reporter struct {
	logger *zap.Logger
	cfg    Config
	opts   *pahomqtt.ClientOptions

	mu     sync.RWMutex
	client publisher
}

// New creates a reporter. Nothing connects until Start.
func New(cfg Config, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{logger: logger, cfg: cfg}
	if cfg.BrokerURL == "" {
		return r
	}

	r.opts = pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetKeepAlive(cfg.KeepAlive)
	if cfg.Username != "" {
		r.opts.SetUsername(cfg.Username)
		r.opts.SetPassword(cfg.Password) //nolint:gosec // G101: config field
	}
	return r
}

// Enabled reports whether a broker is configured.
func (r *Reporter) Enabled() bool { return r.opts != nil }

// OptionsReader returns the client options, or false when no broker is
// configured.
func (r *Reporter) OptionsReader() (*pahomqtt.ClientOptionsReader, bool) {
	if r.opts == nil {
		return nil, false
	}
	reader := pahomqtt.NewClient(r.opts).OptionsReader()
	return &reader, true
}

// Start connects to the broker. A failed or slow connect is logged and
// retried in the background by the client.
func (r *Reporter) Start(context.Context) error {
	if r.opts == nil {
		r.logger.Info("mqtt reporter disabled, no broker configured")
		return nil
	}

	client := pahomqtt.NewClient(r.opts)
	token := client.Connect()

	switch {
	case !token.WaitTimeout(r.cfg.Timeout):
		r.logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		r.logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		r.logger.Info("mqtt connected to broker",
			zap.String("broker_url", r.cfg.BrokerURL),
		)
	}

	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	if r.cfg.HADiscovery {
		r.publishHADiscovery(BuildHostDiscoveryConfigs(r.hostName(), r.cfg.TopicPrefix, r.cfg.HADiscoveryPrefix))
		r.publishState(stateTopic(r.cfg.TopicPrefix, "suspended"), "OFF")
	}
	return nil
}

// Stop disconnects from the broker.
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil && r.client.IsConnected() {
		r.client.Disconnect(250)
		r.logger.Info("mqtt disconnected")
	}
}

// Attach subscribes the reporter to every notification on bus.
func (r *Reporter) Attach(bus *event.Bus) (detach func()) {
	return bus.SubscribeAll(r.handle)
}

func (r *Reporter) hostName() string {
	if r.cfg.HostName != "" {
		return r.cfg.HostName
	}
	return r.cfg.ClientID
}

// topicFor maps a notification topic to an MQTT topic path.
func (r *Reporter) topicFor(t event.Topic) string {
	switch t {
	case event.TopicSuspended:
		return r.cfg.TopicPrefix + "/netsuspend/suspended"
	case event.TopicResuming:
		return r.cfg.TopicPrefix + "/netsuspend/resuming"
	default:
		return r.cfg.TopicPrefix + "/unknown"
	}
}

// handle runs on the controller's goroutine, so it never waits on a
// publish token.
func (r *Reporter) handle(_ context.Context, n event.Notification) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil || !r.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(CyclePayload{
		Cycle:     n.CycleID.String(),
		Timestamp: n.Timestamp,
		SleptMS:   n.Slept.Milliseconds(),
	})
	if err != nil {
		r.logger.Warn("failed to marshal MQTT payload",
			zap.String("topic", string(n.Topic)),
			zap.Error(err),
		)
		return
	}

	topic := r.topicFor(n.Topic)
	r.await(topic, r.client.Publish(topic, r.cfg.QoS, r.cfg.Retain, payload))

	if !r.cfg.HADiscovery {
		return
	}
	switch n.Topic {
	case event.TopicSuspended:
		r.publishStateLocked(stateTopic(r.cfg.TopicPrefix, "suspended"), "ON")
	case event.TopicResuming:
		r.publishStateLocked(stateTopic(r.cfg.TopicPrefix, "suspended"), "OFF")
		r.publishStateLocked(stateTopic(r.cfg.TopicPrefix, "last_sleep"),
			strconv.FormatFloat(n.Slept.Seconds(), 'f', 3, 64))
	}
}

// await logs the outcome of token off the caller's goroutine.
func (r *Reporter) await(topic string, token pahomqtt.Token) {
	go func() {
		if !token.WaitTimeout(r.cfg.Timeout) {
			r.logger.Warn("mqtt publish timed out", zap.String("mqtt_topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			r.logger.Warn("mqtt publish failed",
				zap.String("mqtt_topic", topic),
				zap.Error(err),
			)
			return
		}
		r.logger.Debug("mqtt notification published", zap.String("mqtt_topic", topic))
	}()
}

// publishHADiscovery publishes a batch of HA discovery config payloads.
func (r *Reporter) publishHADiscovery(configs []DiscoveryConfig) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return
	}
	for i := range configs {
		// Discovery configs are always retained so HA picks them up on restart.
		token := r.client.Publish(configs[i].Topic, r.cfg.QoS, true, configs[i].Payload)
		if !token.WaitTimeout(r.cfg.Timeout) {
			r.logger.Warn("ha discovery publish timed out",
				zap.String("topic", configs[i].Topic),
			)
			continue
		}
		if token.Error() != nil {
			r.logger.Warn("ha discovery publish failed",
				zap.String("topic", configs[i].Topic),
				zap.Error(token.Error()),
			)
			continue
		}
		r.logger.Debug("ha discovery published",
			zap.String("topic", configs[i].Topic),
			zap.Bool("removal", len(configs[i].Payload) == 0),
		)
	}
}

func (r *Reporter) publishState(topic, value string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.publishStateLocked(topic, value)
}

// publishStateLocked publishes a retained state value. r.mu must be held.
func (r *Reporter) publishStateLocked(topic, value string) {
	if r.client == nil {
		return
	}
	r.await(topic, r.client.Publish(topic, r.cfg.QoS, true, []byte(value)))
}
