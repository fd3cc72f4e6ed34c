package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/mbus-gateway/internal/hass"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/mbus-gateway/internal/store"
)

// Defaults for the background loops.
const (
	defaultDrainBatch    = 50
	defaultDrainInterval = 5 * time.Second

	eventBufferSize = 8
)

// connEvent is a broker lifecycle event consumed by the run loop.
// Broker callbacks only emit events; all session work happens on the
// run loop goroutine.
type connEvent int

const (
	eventConnected connEvent = iota
	eventDisconnected
	eventHAOnline
)

// Broker is the MQTT client surface the engine uses.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	SetOnConnect(func())
	SetOnDisconnect(func(error))
}

// Options configures the sync engine.
type Options struct {
	HomeAssistant config.HomeAssistantConfig

	// QoS applies to all state and discovery publishes.
	QoS byte

	// DrainBatch is the maximum queued messages delivered per pass.
	DrainBatch int

	// DrainInterval is how often the queue drain runs.
	DrainInterval time.Duration

	// HeartbeatInterval re-publishes bridge availability. Must stay
	// below the entities' expire_after window.
	HeartbeatInterval time.Duration
}

// Engine keeps the broker in step with gateway state: it publishes
// discovery configs and attribute values, falls back to the durable
// queue when the broker is unreachable, and replays the queue in order
// once the connection recovers.
type Engine struct {
	broker Broker
	store  store.Store
	opts   Options

	mu      sync.Mutex
	session *session

	events chan connEvent
	logger Logger
}

// NewEngine creates a sync engine over the given broker and store.
// Call Start to register broker callbacks, then Run on its own
// goroutine.
func NewEngine(broker Broker, st store.Store, opts Options) *Engine {
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = defaultDrainBatch
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = defaultDrainInterval
	}
	if opts.HomeAssistant.StatusTopic == "" {
		opts.HomeAssistant.StatusTopic = hass.StatusTopic
	}

	return &Engine{
		broker:  broker,
		store:   st,
		opts:    opts,
		session: newSession(),
		events:  make(chan connEvent, eventBufferSize),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for sync events.
func (e *Engine) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Start registers broker lifecycle callbacks. If the broker is already
// connected the session is brought up immediately on the first Run
// iteration.
func (e *Engine) Start() {
	e.broker.SetOnConnect(func() { e.emit(eventConnected) })
	e.broker.SetOnDisconnect(func(err error) { e.emit(eventDisconnected) })

	if e.broker.IsConnected() {
		e.emit(eventConnected)
	}
}

// Run processes connection events and drives the drain and heartbeat
// loops until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	drain := time.NewTicker(e.opts.DrainInterval)
	defer drain.Stop()

	heartbeat := newHeartbeatTicker(e.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.events:
			e.handleEvent(ctx, event)
		case <-drain.C:
			e.drainQueue(ctx)
		case <-heartbeat.C:
			e.publishBridgeState(hass.PayloadOnline)
		}
	}
}

// Publish delivers one message, or queues it when delivery cannot be
// confirmed. It reports whether the broker confirmed delivery; a queued
// message is not an error.
func (e *Engine) Publish(ctx context.Context, topic, payload string, qos byte, retain bool) (bool, error) {
	if e.broker.IsConnected() {
		if err := e.broker.Publish(topic, []byte(payload), qos, retain); err == nil {
			return true, nil
		}
	}

	if _, err := e.store.Enqueue(ctx, topic, payload, qos, retain); err != nil {
		return false, fmt.Errorf("queueing message for %s: %w", topic, err)
	}
	e.logger.Debug("message queued", "topic", topic)
	return false, nil
}

// PublishState publishes one attribute value, retained.
func (e *Engine) PublishState(ctx context.Context, deviceID, attribute string, value any) error {
	topic := hass.StateTopic(e.opts.HomeAssistant.TopicPrefix, deviceID, attribute)
	_, err := e.Publish(ctx, topic, formatValue(value), e.opts.QoS, true)
	return err
}

// PublishDeviceStates publishes all attributes of one meter.
func (e *Engine) PublishDeviceStates(ctx context.Context, deviceID string, attributes []Attribute) error {
	for _, attr := range attributes {
		if err := e.PublishState(ctx, deviceID, attr.Name, attr.Value); err != nil {
			return err
		}
	}
	return nil
}

// PublishDiscovery publishes retained discovery configs for the given
// attributes, skipping any already sent this session. An attribute seen
// for the first time on a known device still gets its config.
func (e *Engine) PublishDiscovery(ctx context.Context, meta DeviceMeta, attributes []Attribute) error {
	device := hass.DeviceInfo{
		Identifiers:  []string{meta.DeviceID},
		Name:         meta.Name,
		Manufacturer: meta.Manufacturer,
		Model:        meta.Model,
		SWVersion:    meta.SWVersion,
	}

	for _, attr := range attributes {
		e.mu.Lock()
		skip := e.session.sentBefore(meta.DeviceID, attr.Name)
		e.mu.Unlock()
		if skip {
			continue
		}

		topic, cfg := hass.BuildEntity(hass.EntityParams{
			DiscoveryPrefix:  e.opts.HomeAssistant.DiscoveryPrefix,
			TopicPrefix:      e.opts.HomeAssistant.TopicPrefix,
			BridgeStateTopic: e.opts.HomeAssistant.BridgeStateTopic,
			ExpireAfter:      e.opts.HomeAssistant.ExpireAfter,
			DeviceID:         meta.DeviceID,
			Attribute:        attr.Name,
			Unit:             attr.Unit,
			Device:           device,
		})

		payload, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encoding discovery for %s/%s: %w", meta.DeviceID, attr.Name, err)
		}
		if _, err := e.Publish(ctx, topic, string(payload), e.opts.QoS, true); err != nil {
			return err
		}

		e.mu.Lock()
		e.session.markSent(meta.DeviceID, attr.Name)
		e.mu.Unlock()
	}

	return nil
}

// QueueSize reports the durable queue depth, for health reporting.
func (e *Engine) QueueSize(ctx context.Context) (int, error) {
	return e.store.QueueSize(ctx)
}

func (e *Engine) emit(event connEvent) {
	select {
	case e.events <- event:
	default:
		// Run loop is behind; session bring-up is idempotent so a
		// dropped duplicate event is harmless.
	}
}

func (e *Engine) handleEvent(ctx context.Context, event connEvent) {
	switch event {
	case eventConnected:
		e.logger.Info("broker session up")
		e.resetSession()
		e.publishBridgeState(hass.PayloadOnline)
		e.subscribeStatus()
		e.republishAll(ctx)
		e.drainQueue(ctx)
	case eventDisconnected:
		e.logger.Warn("broker session down")
		e.resetSession()
	case eventHAOnline:
		e.logger.Info("home assistant restarted, resending discovery")
		e.resetSession()
		e.republishAll(ctx)
	}
}

func (e *Engine) resetSession() {
	e.mu.Lock()
	e.session.reset()
	e.mu.Unlock()
}

func (e *Engine) publishBridgeState(state string) {
	if !e.broker.IsConnected() {
		return
	}
	topic := e.opts.HomeAssistant.BridgeStateTopic
	if err := e.broker.Publish(topic, []byte(state), e.opts.QoS, true); err != nil {
		e.logger.Warn("bridge state publish failed", "error", err)
	}
}

func (e *Engine) subscribeStatus() {
	topic := e.opts.HomeAssistant.StatusTopic
	err := e.broker.Subscribe(topic, e.opts.QoS, func(_ string, payload []byte) error {
		if string(payload) == hass.PayloadOnline {
			e.emit(eventHAOnline)
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("status subscription failed", "topic", topic, "error", err)
	}
}

// republishAll restores the broker's view from persisted snapshots:
// discovery configs plus last known values for every stored meter.
func (e *Engine) republishAll(ctx context.Context) {
	states, err := e.store.LoadDeviceStates(ctx)
	if err != nil {
		e.logger.Error("loading snapshots for republish failed", "error", err)
		return
	}

	for _, state := range states {
		meta := DeviceMeta{
			DeviceID:     state.DeviceID,
			Name:         state.Name,
			Manufacturer: state.Manufacturer,
			Model:        state.Model,
			SWVersion:    state.SWVersion,
		}

		attrs := make([]Attribute, 0, len(state.Attributes))
		for name, value := range state.Attributes {
			attrs = append(attrs, Attribute{Name: name, Unit: state.Units[name], Value: value})
		}

		if err := e.PublishDiscovery(ctx, meta, attrs); err != nil {
			e.logger.Error("discovery republish failed", "device_id", state.DeviceID, "error", err)
			continue
		}
		if err := e.PublishDeviceStates(ctx, state.DeviceID, attrs); err != nil {
			e.logger.Error("state republish failed", "device_id", state.DeviceID, "error", err)
		}
	}

	e.logger.Info("broker view restored", "devices", len(states))
}

// drainQueue replays queued messages in insertion order. Delivery stops
// at the first failure; undelivered messages stay queued for the next
// pass.
func (e *Engine) drainQueue(ctx context.Context) {
	if !e.broker.IsConnected() {
		return
	}

	messages, err := e.store.Dequeue(ctx, e.opts.DrainBatch)
	if err != nil {
		e.logger.Error("queue read failed", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	delivered := 0
	for _, msg := range messages {
		if err := e.broker.Publish(msg.Topic, []byte(msg.Payload), msg.QoS, msg.Retain); err != nil {
			e.logger.Warn("queue replay interrupted", "topic", msg.Topic, "error", err)
			break
		}
		if err := e.store.Ack(ctx, msg.ID); err != nil {
			e.logger.Error("queue ack failed", "id", msg.ID, "error", err)
			break
		}
		delivered++
	}

	e.logger.Info("queue drained", "delivered", delivered, "remaining", len(messages)-delivered)
}

// newHeartbeatTicker returns a ticker that never fires when the
// interval is unset.
func newHeartbeatTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		ticker := time.NewTicker(time.Hour)
		ticker.Stop()
		return ticker
	}
	return time.NewTicker(interval)
}
