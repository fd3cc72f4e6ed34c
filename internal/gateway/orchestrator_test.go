package gateway

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/nerrad567/mbus-gateway/internal/infrastructure/config"
	"github.com/nerrad567/mbus-gateway/internal/infrastructure/database"
	"github.com/nerrad567/mbus-gateway/internal/mbus"
	"github.com/nerrad567/mbus-gateway/internal/store"
	"github.com/nerrad567/mbus-gateway/internal/sync"
	_ "github.com/nerrad567/mbus-gateway/migrations"
)

type fakeScanner struct {
	addresses []string
	err       error
}

func (f *fakeScanner) Scan(context.Context) ([]string, error) {
	return f.addresses, f.err
}

type fakeReader struct {
	mu    stdsync.Mutex
	data  map[string]*mbus.DeviceData
	reads map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		data:  make(map[string]*mbus.DeviceData),
		reads: make(map[string]int),
	}
}

func (f *fakeReader) Read(_ context.Context, address string) (*mbus.DeviceData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[address]++
	if data, ok := f.data[address]; ok {
		return data, nil
	}
	return nil, mbus.ErrNoReply
}

func (f *fakeReader) readCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[address]
}

type stateCall struct {
	deviceID  string
	attribute string
	value     any
}

type fakeSyncer struct {
	mu          stdsync.Mutex
	discoveries []sync.DeviceMeta
	stateSets   map[string]int
	stateCalls  []stateCall
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{stateSets: make(map[string]int)}
}

func (f *fakeSyncer) PublishDiscovery(_ context.Context, meta sync.DeviceMeta, _ []sync.Attribute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveries = append(f.discoveries, meta)
	return nil
}

func (f *fakeSyncer) PublishDeviceStates(_ context.Context, deviceID string, _ []sync.Attribute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateSets[deviceID]++
	return nil
}

func (f *fakeSyncer) PublishState(_ context.Context, deviceID, attribute string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls = append(f.stateCalls, stateCall{deviceID, attribute, value})
	return nil
}

func (f *fakeSyncer) statusPublishes(deviceID string) []stateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []stateCall
	for _, call := range f.stateCalls {
		if call.deviceID == deviceID && call.attribute == "Status" {
			out = append(out, call)
		}
	}
	return out
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "gateway.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return store.NewSQLiteStore(db)
}

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			Name:            "Test Gateway",
			Manufacturer:    "Test",
			Model:           "Bridge",
			MetricsInterval: 30,
		},
		MBus: config.MBusConfig{
			ScanInterval: 3600,
			ReadInterval: 15,
			MaxRetries:   3,
		},
		Database: config.DatabaseConfig{
			HistoryDays: 7,
		},
		Advanced: config.AdvancedConfig{
			WorkerPoolSize:  2,
			ShutdownTimeout: 5,
		},
	}
}

type harness struct {
	orch    *Orchestrator
	scanner *fakeScanner
	reader  *fakeReader
	syncer  *fakeSyncer
	store   *store.SQLiteStore
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		scanner: &fakeScanner{},
		reader:  newFakeReader(),
		syncer:  newFakeSyncer(),
		store:   newTestStore(t),
	}
	h.orch = NewOrchestrator(Options{
		Config:    cfg,
		Scanner:   h.scanner,
		Reader:    h.reader,
		Engine:    h.syncer,
		Store:     h.store,
		Status:    NewStatusTracker(),
		GatewayID: "gateway_test",
	})
	return h
}

func testData(id string) *mbus.DeviceData {
	return &mbus.DeviceData{
		Manufacturer:   "KAM",
		Identification: id,
		Medium:         "Heat",
		Records: []mbus.Record{
			{Name: "Energy (kWh)", Value: 1234.5, Unit: "kWh"},
			{Name: "Power (W)", Value: 80.0, Unit: "W"},
		},
	}
}

func TestMergeDiscovered(t *testing.T) {
	cfg := testConfig()
	cfg.MBus.Devices = []config.DeviceConfig{
		{Address: "12345678FFFFFFFF", Name: "Boiler Meter", ReadInterval: 60},
	}
	h := newHarness(t, cfg)

	h.orch.mergeDiscovered([]string{"12345678FFFFFFFF", "5"})

	if h.orch.Registry().Count() != 2 {
		t.Fatalf("Count() = %d, want 2", h.orch.Registry().Count())
	}

	boiler, _ := h.orch.Registry().Get("12345678FFFFFFFF")
	if boiler.Name != "Boiler Meter" || boiler.PollInterval != time.Minute {
		t.Errorf("configured overrides not applied: %+v", boiler)
	}

	plain, _ := h.orch.Registry().Get("5")
	if plain.Name != "M-Bus Meter 5" {
		t.Errorf("default name = %q", plain.Name)
	}
}

func TestMergeDiscovered_RevivesOfflineDevice(t *testing.T) {
	h := newHarness(t, testConfig())

	device := mbus.NewDevice("5")
	device.MarkFailure()
	device.MarkFailure()
	device.MarkFailure()
	device.MarkOffline()
	h.orch.Registry().Upsert(device)

	h.orch.mergeDiscovered([]string{"5"})

	revived, _ := h.orch.Registry().Get("5")
	if !revived.Online || revived.ConsecutiveFailures != 0 {
		t.Errorf("device not revived: online=%v failures=%d", revived.Online, revived.ConsecutiveFailures)
	}
}

// Three consecutive failed reads mark a device offline with exactly one
// offline announcement; further failures stay silent.
func TestReadFailures_OfflineAtThreshold(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	device := mbus.NewDevice("5")
	h.orch.Registry().Upsert(device)

	readErr := errors.New("read failed")

	for i := 1; i <= 2; i++ {
		h.orch.processReadFailure(ctx, device, readErr)
		if !device.Online {
			t.Fatalf("device offline after %d failures, threshold is 3", i)
		}
	}
	if got := h.syncer.statusPublishes("mbus_meter_5"); len(got) != 0 {
		t.Fatalf("status published before threshold: %+v", got)
	}

	h.orch.processReadFailure(ctx, device, readErr)
	if device.Online {
		t.Fatal("device still online after 3 failures")
	}

	offline := h.syncer.statusPublishes("mbus_meter_5")
	if len(offline) != 1 || offline[0].value != "offline" {
		t.Fatalf("offline publishes = %+v, want exactly one", offline)
	}

	// Past the transition, repeated failures stay silent.
	h.orch.processReadFailure(ctx, device, readErr)
	if got := h.syncer.statusPublishes("mbus_meter_5"); len(got) != 1 {
		t.Errorf("offline republished after transition: %+v", got)
	}

	snapshot, err := h.store.GetDeviceState(ctx, "mbus_meter_5")
	if err != nil {
		t.Fatalf("GetDeviceState() error: %v", err)
	}
	if snapshot.Online {
		t.Error("persisted snapshot still online")
	}
}

// Going offline must not wipe the persisted readings: the startup
// restore keeps last known values visible until the meter recovers.
func TestOfflineTransition_KeepsLastKnownReadings(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	device := mbus.NewDevice("5")
	h.orch.Registry().Upsert(device)

	h.orch.processReadSuccess(ctx, device, testData("00000005"))

	readErr := errors.New("read failed")
	for i := 0; i < 3; i++ {
		h.orch.processReadFailure(ctx, device, readErr)
	}

	snapshot, err := h.store.GetDeviceState(ctx, "mbus_meter_5")
	if err != nil {
		t.Fatalf("GetDeviceState() error: %v", err)
	}
	if snapshot.Online {
		t.Error("persisted snapshot still online")
	}
	if snapshot.Attributes["Status"] != "offline" {
		t.Errorf("Status = %v, want offline", snapshot.Attributes["Status"])
	}
	if snapshot.Attributes["Energy (kWh)"] != 1234.5 || snapshot.Attributes["Power (W)"] != 80.0 {
		t.Errorf("last known readings lost: %+v", snapshot.Attributes)
	}
	if snapshot.Units["Energy (kWh)"] != "kWh" {
		t.Errorf("units lost: %+v", snapshot.Units)
	}
	if snapshot.Manufacturer != "KAM" {
		t.Errorf("device identity lost: %+v", snapshot)
	}
}

func TestReadSuccess_PublishesAndPersists(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	device := mbus.NewDevice("12345678FFFFFFFF")
	h.orch.Registry().Upsert(device)

	h.orch.processReadSuccess(ctx, device, testData("12345678"))

	if len(h.syncer.discoveries) != 1 || h.syncer.discoveries[0].DeviceID != "mbus_meter_12345678FFFFFFFF" {
		t.Errorf("discoveries = %+v", h.syncer.discoveries)
	}
	if h.syncer.stateSets["mbus_meter_12345678FFFFFFFF"] != 1 {
		t.Errorf("state publishes = %d, want 1", h.syncer.stateSets["mbus_meter_12345678FFFFFFFF"])
	}

	snapshot, err := h.store.GetDeviceState(ctx, "mbus_meter_12345678FFFFFFFF")
	if err != nil {
		t.Fatalf("GetDeviceState() error: %v", err)
	}
	if !snapshot.Online || snapshot.Manufacturer != "KAM" {
		t.Errorf("snapshot = %+v", snapshot)
	}
	if snapshot.Attributes["Energy (kWh)"] != 1234.5 || snapshot.Attributes["Status"] != "online" {
		t.Errorf("attributes = %+v", snapshot.Attributes)
	}

	readings, err := h.store.GetReadings(ctx, "mbus_meter_12345678FFFFFFFF", "Energy (kWh)", 10)
	if err != nil {
		t.Fatalf("GetReadings() error: %v", err)
	}
	if len(readings) != 1 || readings[0].Value != 1234.5 {
		t.Errorf("readings = %+v", readings)
	}
}

// A successful read after failures resets the counter and brings the
// device back online.
func TestReadSuccess_RevivesDevice(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	device := mbus.NewDevice("5")
	h.orch.Registry().Upsert(device)

	readErr := errors.New("read failed")
	for i := 0; i < 3; i++ {
		h.orch.processReadFailure(ctx, device, readErr)
	}
	if device.Online {
		t.Fatal("device still online at threshold")
	}

	h.orch.processReadSuccess(ctx, device, testData("00000005"))
	if !device.Online || device.ConsecutiveFailures != 0 {
		t.Errorf("device not revived: online=%v failures=%d", device.Online, device.ConsecutiveFailures)
	}
}

func TestDispatchReads_RespectsPollInterval(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	due := mbus.NewDevice("5")
	h.reader.data["5"] = testData("00000005")

	fresh := mbus.NewDevice("7")
	fresh.LastRead = time.Now()
	h.reader.data["7"] = testData("00000007")

	offline := mbus.NewDevice("9")
	offline.MarkOffline()

	for _, d := range []*mbus.Device{due, fresh, offline} {
		h.orch.Registry().Upsert(d)
	}

	h.orch.dispatchReads(ctx, time.Now())
	h.orch.wg.Wait()

	if got := h.reader.readCount("5"); got != 1 {
		t.Errorf("due device read %d times, want 1", got)
	}
	if got := h.reader.readCount("7"); got != 0 {
		t.Errorf("fresh device read %d times, want 0", got)
	}
	if got := h.reader.readCount("9"); got != 0 {
		t.Errorf("offline device read %d times, want 0", got)
	}

	// The same device is not re-dispatched inside its interval.
	h.orch.dispatchReads(ctx, time.Now())
	h.orch.wg.Wait()
	if got := h.reader.readCount("5"); got != 1 {
		t.Errorf("device re-read inside poll interval: %d reads", got)
	}
}

func TestRestoreRegistry(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	err := h.store.SaveDeviceState(ctx, store.DeviceState{
		DeviceID:     "mbus_meter_5",
		DeviceType:   "mbus_meter",
		Name:         "Heat Meter",
		Manufacturer: "KAM",
		Model:        "Heat",
		Online:       true,
	})
	if err != nil {
		t.Fatalf("SaveDeviceState() error: %v", err)
	}
	// The gateway's own snapshot must not become a bus device.
	err = h.store.SaveDeviceState(ctx, store.DeviceState{
		DeviceID:   "gateway_test",
		DeviceType: "gateway",
		Name:       "Test Gateway",
		Online:     true,
	})
	if err != nil {
		t.Fatalf("SaveDeviceState() gateway error: %v", err)
	}

	h.orch.restoreRegistry(ctx)

	if h.orch.Registry().Count() != 1 {
		t.Fatalf("Count() = %d, want 1", h.orch.Registry().Count())
	}
	device, ok := h.orch.Registry().Get("5")
	if !ok || device.Name != "Heat Meter" || device.Manufacturer != "KAM" {
		t.Errorf("restored device = %+v", device)
	}
}

func TestGatewayMetrics(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.orch.publishGatewayDiscovery(ctx)
	h.orch.publishGatewayMetrics(ctx)

	if len(h.syncer.discoveries) != 1 || h.syncer.discoveries[0].DeviceID != "gateway_test" {
		t.Errorf("discoveries = %+v", h.syncer.discoveries)
	}
	if h.syncer.stateSets["gateway_test"] != 2 {
		t.Errorf("gateway state publishes = %d, want 2", h.syncer.stateSets["gateway_test"])
	}

	snapshot, err := h.store.GetDeviceState(ctx, "gateway_test")
	if err != nil {
		t.Fatalf("GetDeviceState() error: %v", err)
	}
	if snapshot.DeviceType != "gateway" || !snapshot.Online {
		t.Errorf("snapshot = %+v", snapshot)
	}
	if _, ok := snapshot.Attributes["IP Address"]; !ok {
		t.Errorf("attributes missing IP Address: %+v", snapshot.Attributes)
	}
}
