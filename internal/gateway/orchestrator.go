package gateway

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"time"

	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
	"github.com/nerrad567/mbus-gateway/internal/mbus"
	"github.com/nerrad567/mbus-gateway/internal/store"
	"github.com/nerrad567/mbus-gateway/internal/sync"
)

const (
	// tickInterval is the scheduler resolution. All work intervals are
	// multiples of it in practice.
	tickInterval = time.Second

	// deviceIDPrefix namespaces meter device IDs in topics and storage.
	deviceIDPrefix = "mbus_meter_"

	// defaultWorkerPoolSize bounds concurrent blocking bus dispatches.
	defaultWorkerPoolSize = 4
)

// Component names reported to the status tracker.
const (
	ComponentBus   = "mbus"
	ComponentStore = "database"
)

// Scanner discovers device addresses on the bus.
type Scanner interface {
	Scan(ctx context.Context) ([]string, error)
}

// Reader reads one device.
type Reader interface {
	Read(ctx context.Context, address string) (*mbus.DeviceData, error)
}

// Syncer publishes discovery and state to the broker, queueing what it
// cannot deliver.
type Syncer interface {
	PublishDiscovery(ctx context.Context, meta sync.DeviceMeta, attributes []sync.Attribute) error
	PublishDeviceStates(ctx context.Context, deviceID string, attributes []sync.Attribute) error
	PublishState(ctx context.Context, deviceID, attribute string, value any) error
}

// HistorySink receives numeric readings for long-term storage. Writes
// are fire-and-forget.
type HistorySink interface {
	WriteMeterReading(deviceID, attribute string, value float64)
	WriteGatewayMetric(gatewayID, metric string, value float64)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config  *config.Config
	Scanner Scanner
	Reader  Reader
	Engine  Syncer
	Store   store.Store

	// History is optional; nil disables the long-term sink.
	History HistorySink

	// Status is optional; health reports are dropped when nil.
	Status *StatusTracker

	// GatewayID overrides the hardware-derived identifier, for tests.
	GatewayID string
}

// Orchestrator owns the gateway's periodic work: bus scans, per-device
// polls, self-metrics, and history cleanup. Device bookkeeping lives in
// its registry; blocking bus I/O runs on a bounded worker pool.
type Orchestrator struct {
	cfg      *config.Config
	scanner  Scanner
	reader   Reader
	engine   Syncer
	store    store.Store
	history  HistorySink
	status   *StatusTracker
	registry *Registry
	logger   Logger

	gatewayID string
	localIP   string
	started   time.Time

	mu       stdsync.Mutex
	inflight map[string]bool
	scanning bool

	workers chan struct{}
	wg      stdsync.WaitGroup
}

// NewOrchestrator creates an orchestrator. Configured devices are
// seeded into the registry immediately; persisted devices are restored
// when Run starts.
func NewOrchestrator(opts Options) *Orchestrator {
	poolSize := opts.Config.Advanced.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}

	gatewayID := opts.GatewayID
	if gatewayID == "" {
		gatewayID = GatewayID()
	}

	o := &Orchestrator{
		cfg:       opts.Config,
		scanner:   opts.Scanner,
		reader:    opts.Reader,
		engine:    opts.Engine,
		store:     opts.Store,
		history:   opts.History,
		status:    opts.Status,
		registry:  NewRegistry(),
		logger:    noopLogger{},
		gatewayID: gatewayID,
		localIP:   LocalIP(),
		started:   time.Now(),
		inflight:  make(map[string]bool),
		workers:   make(chan struct{}, poolSize),
	}
	o.seedConfiguredDevices()
	return o
}

// SetLogger sets the logger for orchestration events.
func (o *Orchestrator) SetLogger(logger Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// Registry exposes the device registry for inspection.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Run restores persisted devices, announces the gateway itself, then
// drives the periodic loops until the context is cancelled. Shutdown
// waits for in-flight bus work up to the configured timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.restoreRegistry(ctx)
	o.publishGatewayDiscovery(ctx)

	var (
		lastScan    time.Time
		lastMetrics time.Time
		lastCleanup = time.Now()
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case now := <-ticker.C:
			if now.Sub(lastScan) >= o.cfg.ScanInterval() {
				lastScan = now
				o.dispatchScan(ctx)
			}

			o.dispatchReads(ctx, now)

			if now.Sub(lastMetrics) >= o.metricsInterval() {
				lastMetrics = now
				o.publishGatewayMetrics(ctx)
			}

			if o.cleanupDue(now, lastCleanup) {
				lastCleanup = now
				o.cleanupHistory(ctx)
			}
		}
	}
}

func (o *Orchestrator) metricsInterval() time.Duration {
	return time.Duration(o.cfg.Gateway.MetricsInterval) * time.Second
}

func (o *Orchestrator) cleanupDue(now, last time.Time) bool {
	if o.cfg.Database.HistoryDays <= 0 || o.cfg.Database.CleanupInterval <= 0 {
		return false
	}
	return now.Sub(last) >= time.Duration(o.cfg.Database.CleanupInterval)*time.Second
}

// seedConfiguredDevices registers meters declared in configuration.
func (o *Orchestrator) seedConfiguredDevices() {
	for _, declared := range o.cfg.MBus.Devices {
		device := mbus.NewDevice(declared.Address)
		o.applyDeviceConfig(device)
		o.registry.Upsert(device)
	}
}

// restoreRegistry seeds the registry from persisted snapshots so known
// meters are polled without waiting for the first scan. Republishing
// their discovery and last values is the sync engine's job.
func (o *Orchestrator) restoreRegistry(ctx context.Context) {
	states, err := o.store.LoadDeviceStates(ctx)
	if err != nil {
		o.logger.Error("restoring device registry failed", "error", err)
		return
	}

	restored := 0
	for _, state := range states {
		address, ok := strings.CutPrefix(state.DeviceID, deviceIDPrefix)
		if !ok {
			continue // gateway's own snapshot
		}
		if _, exists := o.registry.Get(address); exists {
			continue
		}

		device := mbus.NewDevice(address)
		device.Name = state.Name
		device.Manufacturer = state.Manufacturer
		device.Medium = state.Model
		device.Identification = state.SWVersion
		device.Online = state.Online
		o.applyDeviceConfig(device)
		o.registry.Upsert(device)
		restored++
	}

	o.logger.Info("device registry restored", "devices", restored)
}

// applyDeviceConfig applies declared name and poll-interval overrides.
func (o *Orchestrator) applyDeviceConfig(device *mbus.Device) {
	for _, declared := range o.cfg.MBus.Devices {
		if declared.Address != device.Address {
			continue
		}
		if declared.Name != "" {
			device.Name = declared.Name
		}
		if declared.ReadInterval > 0 {
			device.PollInterval = time.Duration(declared.ReadInterval) * time.Second
		}
		return
	}
}

// dispatchScan runs a bus scan on a worker goroutine. At most one scan
// is in flight; polls continue meanwhile and serialize on the bus.
func (o *Orchestrator) dispatchScan(ctx context.Context) {
	o.mu.Lock()
	if o.scanning {
		o.mu.Unlock()
		return
	}
	o.scanning = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			o.scanning = false
			o.mu.Unlock()
		}()

		addresses, err := o.scanner.Scan(ctx)
		o.setComponent(ComponentBus, err == nil)
		if err != nil {
			o.logger.Error("bus scan failed", "error", err)
			return
		}

		o.mergeDiscovered(addresses)
		o.logger.Info("bus scan complete", "found", len(addresses), "registered", o.registry.Count())
	}()
}

// mergeDiscovered registers newly found addresses and revives known
// devices the scan proved are talking again.
func (o *Orchestrator) mergeDiscovered(addresses []string) {
	for _, address := range addresses {
		if existing, ok := o.registry.Get(address); ok {
			o.mu.Lock()
			if !existing.Online {
				existing.MarkOnline()
				o.logger.Info("device rediscovered", "address", address)
			}
			o.mu.Unlock()
			continue
		}

		device := mbus.NewDevice(address)
		o.applyDeviceConfig(device)
		o.registry.Upsert(device)
		o.logger.Info("device discovered", "address", address, "name", device.Name)
	}
}

// dispatchReads polls every due online device on the worker pool.
func (o *Orchestrator) dispatchReads(ctx context.Context, now time.Time) {
	for _, device := range o.registry.All() {
		o.mu.Lock()
		due := device.Online &&
			!o.inflight[device.Address] &&
			now.Sub(device.LastRead) >= o.pollInterval(device)
		if due {
			o.inflight[device.Address] = true
		}
		o.mu.Unlock()

		if !due {
			continue
		}

		o.wg.Add(1)
		go func(device *mbus.Device) {
			defer o.wg.Done()
			defer func() {
				o.mu.Lock()
				delete(o.inflight, device.Address)
				o.mu.Unlock()
			}()

			select {
			case o.workers <- struct{}{}:
				defer func() { <-o.workers }()
			case <-ctx.Done():
				return
			}

			data, err := o.reader.Read(ctx, device.Address)
			if err != nil {
				o.processReadFailure(ctx, device, err)
				return
			}
			o.processReadSuccess(ctx, device, data)
		}(device)
	}
}

func (o *Orchestrator) pollInterval(device *mbus.Device) time.Duration {
	if device.PollInterval > 0 {
		return device.PollInterval
	}
	return o.cfg.ReadInterval()
}

// processReadSuccess applies fresh data, publishes it, and persists the
// snapshot.
func (o *Orchestrator) processReadSuccess(ctx context.Context, device *mbus.Device, data *mbus.DeviceData) {
	o.mu.Lock()
	device.ApplyData(data)
	device.LastRead = time.Now()
	meta := sync.DeviceMeta{
		DeviceID:     deviceIDPrefix + device.Address,
		Name:         device.Name,
		Manufacturer: device.Manufacturer,
		Model:        device.Medium,
		SWVersion:    device.Identification,
	}
	attributes := attributesFromRecords(device.Records)
	o.mu.Unlock()

	attributes = append(attributes, sync.Attribute{Name: "Status", Value: "online"})

	o.setComponent(ComponentBus, true)

	if err := o.engine.PublishDiscovery(ctx, meta, attributes); err != nil {
		o.logger.Error("discovery publish failed", "device_id", meta.DeviceID, "error", err)
	}
	if err := o.engine.PublishDeviceStates(ctx, meta.DeviceID, attributes); err != nil {
		o.logger.Error("state publish failed", "device_id", meta.DeviceID, "error", err)
	}

	o.persistSnapshot(ctx, meta, "mbus_meter", attributes, true)
	o.recordHistory(ctx, meta.DeviceID, attributes)

	o.logger.Debug("device read ok", "address", device.Address, "records", len(attributes)-1)
}

// processReadFailure counts the failure and, exactly at the retry
// limit, marks the device offline and announces the transition once.
func (o *Orchestrator) processReadFailure(ctx context.Context, device *mbus.Device, err error) {
	o.mu.Lock()
	device.MarkFailure()
	device.LastRead = time.Now()
	transition := device.Online && device.ConsecutiveFailures >= o.cfg.MBus.MaxRetries
	if transition {
		device.MarkOffline()
	}
	failures := device.ConsecutiveFailures
	name := device.Name
	o.mu.Unlock()

	o.logger.Warn("device read failed",
		"address", device.Address,
		"failures", failures,
		"error", err,
	)

	if !transition {
		return
	}

	deviceID := deviceIDPrefix + device.Address
	o.logger.Warn("device marked offline", "address", device.Address, "failures", failures)

	if err := o.engine.PublishState(ctx, deviceID, "Status", "offline"); err != nil {
		o.logger.Error("offline publish failed", "device_id", deviceID, "error", err)
	}

	// Merge into the existing snapshot: the last known readings stay
	// visible after a restart, only the status flips.
	snapshot, err := o.store.GetDeviceState(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.setComponent(ComponentStore, false)
			o.logger.Error("offline snapshot load failed", "device_id", deviceID, "error", err)
			return
		}
		snapshot = store.DeviceState{
			DeviceID:   deviceID,
			DeviceType: "mbus_meter",
			Name:       name,
		}
	}
	if snapshot.Attributes == nil {
		snapshot.Attributes = make(map[string]any)
	}
	snapshot.Attributes["Status"] = "offline"
	snapshot.LastUpdate = time.Now().UTC()
	snapshot.Online = false

	if err := o.store.SaveDeviceState(ctx, snapshot); err != nil {
		o.setComponent(ComponentStore, false)
		o.logger.Error("offline snapshot save failed", "device_id", deviceID, "error", err)
	}
}

// publishGatewayDiscovery announces the gateway itself as a device.
func (o *Orchestrator) publishGatewayDiscovery(ctx context.Context) {
	meta := o.gatewayMeta()
	attributes := o.gatewayAttributes(0)

	if err := o.engine.PublishDiscovery(ctx, meta, attributes); err != nil {
		o.logger.Error("gateway discovery publish failed", "error", err)
	}
	if err := o.engine.PublishDeviceStates(ctx, meta.DeviceID, attributes); err != nil {
		o.logger.Error("gateway state publish failed", "error", err)
	}
	o.persistSnapshot(ctx, meta, "gateway", attributes, true)
}

// publishGatewayMetrics refreshes and publishes the gateway's own
// attributes.
func (o *Orchestrator) publishGatewayMetrics(ctx context.Context) {
	o.localIP = LocalIP()
	uptime := int(time.Since(o.started).Seconds())

	meta := o.gatewayMeta()
	attributes := o.gatewayAttributes(uptime)

	if err := o.engine.PublishDeviceStates(ctx, meta.DeviceID, attributes); err != nil {
		o.logger.Error("gateway metrics publish failed", "error", err)
	}
	o.persistSnapshot(ctx, meta, "gateway", attributes, true)

	if o.history != nil {
		o.history.WriteGatewayMetric(o.gatewayID, "uptime_seconds", float64(uptime))
		o.history.WriteGatewayMetric(o.gatewayID, "devices_registered", float64(o.registry.Count()))
	}

	o.logger.Debug("gateway metrics published", "uptime_seconds", uptime)
}

func (o *Orchestrator) gatewayMeta() sync.DeviceMeta {
	return sync.DeviceMeta{
		DeviceID:     o.gatewayID,
		Name:         o.cfg.Gateway.Name,
		Manufacturer: o.cfg.Gateway.Manufacturer,
		Model:        o.cfg.Gateway.Model,
	}
}

func (o *Orchestrator) gatewayAttributes(uptimeSeconds int) []sync.Attribute {
	return []sync.Attribute{
		{Name: "IP Address", Value: o.localIP},
		{Name: "Status", Value: "online"},
		{Name: "Uptime", Unit: "s", Value: uptimeSeconds},
	}
}

// persistSnapshot saves the device's current published view.
func (o *Orchestrator) persistSnapshot(ctx context.Context, meta sync.DeviceMeta, deviceType string, attributes []sync.Attribute, online bool) {
	values := make(map[string]any, len(attributes))
	units := make(map[string]string)
	for _, attr := range attributes {
		values[attr.Name] = attr.Value
		if attr.Unit != "" {
			units[attr.Name] = attr.Unit
		}
	}

	snapshot := store.DeviceState{
		DeviceID:     meta.DeviceID,
		DeviceType:   deviceType,
		Name:         meta.Name,
		Manufacturer: meta.Manufacturer,
		Model:        meta.Model,
		SWVersion:    meta.SWVersion,
		Attributes:   values,
		Units:        units,
		LastUpdate:   time.Now().UTC(),
		Online:       online,
	}

	if err := o.store.SaveDeviceState(ctx, snapshot); err != nil {
		o.setComponent(ComponentStore, false)
		o.logger.Error("snapshot save failed", "device_id", meta.DeviceID, "error", err)
		return
	}
	o.setComponent(ComponentStore, true)
}

// recordHistory appends numeric attribute values to local history and
// the optional long-term sink.
func (o *Orchestrator) recordHistory(ctx context.Context, deviceID string, attributes []sync.Attribute) {
	if o.cfg.Database.HistoryDays <= 0 && o.history == nil {
		return
	}

	now := time.Now().UTC()
	for _, attr := range attributes {
		value, ok := numericValue(attr.Value)
		if !ok {
			continue
		}
		if o.cfg.Database.HistoryDays > 0 {
			if err := o.store.RecordReading(ctx, deviceID, attr.Name, value, now); err != nil {
				o.logger.Error("history record failed", "device_id", deviceID, "attribute", attr.Name, "error", err)
			}
		}
		if o.history != nil {
			o.history.WriteMeterReading(deviceID, attr.Name, value)
		}
	}
}

// cleanupHistory prunes readings past the retention window.
func (o *Orchestrator) cleanupHistory(ctx context.Context) {
	retention := time.Duration(o.cfg.Database.HistoryDays) * 24 * time.Hour
	pruned, err := o.store.PruneHistory(ctx, retention)
	if err != nil {
		o.logger.Error("history cleanup failed", "error", err)
		return
	}
	if pruned > 0 {
		o.logger.Info("history cleaned up", "pruned", pruned)
	}
}

// shutdown waits for in-flight bus work, bounded by the configured
// timeout. The final bridge-offline announcement happens when the MQTT
// client closes.
func (o *Orchestrator) shutdown() error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
	case <-time.After(o.cfg.ShutdownTimeout()):
		o.logger.Warn("shutdown timeout, abandoning in-flight bus work")
	}
	return nil
}

func (o *Orchestrator) setComponent(name string, healthy bool) {
	if o.status != nil {
		o.status.SetComponent(name, healthy)
	}
}

// attributesFromRecords converts parsed records to publishable
// attributes.
func attributesFromRecords(records []mbus.Record) []sync.Attribute {
	attributes := make([]sync.Attribute, 0, len(records)+1)
	for _, record := range records {
		attributes = append(attributes, sync.Attribute{
			Name:  record.Name,
			Unit:  record.Unit,
			Value: record.Value,
		})
	}
	return attributes
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
