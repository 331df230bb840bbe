package syncer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/queryhive/queryhive/discovery-engine/internal/config"
	"github.com/queryhive/queryhive/discovery-engine/internal/embeddings"
	"github.com/queryhive/queryhive/discovery-engine/internal/events"
	"github.com/queryhive/queryhive/discovery-engine/internal/store"
	"github.com/queryhive/queryhive/discovery-engine/internal/syncer"
	"github.com/queryhive/queryhive/discovery-engine/internal/vectorindex"
	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// countingDriver is a test EmbeddingDriver tracking how often it is called.
type countingDriver struct {
	calls atomic.Int64
	fail  atomic.Bool
}

func (d *countingDriver) Kind() string      { return "mock" }
func (d *countingDriver) Dimensions() int   { return 2 }
func (d *countingDriver) MaxBatchSize() int { return 16 }

func (d *countingDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	d.calls.Add(1)
	if d.fail.Load() {
		return nil, errors.New("provider down")
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

func (d *countingDriver) HealthCheck(context.Context) error { return nil }

// trackingInvalidator records cache invalidations.
type trackingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (f *trackingInvalidator) InvalidateResource(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *trackingInvalidator) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.ids {
		if v == id {
			return true
		}
	}
	return false
}

type fixture struct {
	sched  *syncer.Scheduler
	store  store.Store
	index  vectorindex.Index
	bus    *events.MemoryBus
	driver *countingDriver
	inv    *trackingInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	ix := vectorindex.NewMemoryIndex()
	bus := events.NewMemoryBus()
	t.Cleanup(bus.Close)

	driver := &countingDriver{}
	reg := embeddings.NewRegistry()
	reg.Register("mock-model", driver)
	pipe := embeddings.NewPipeline(reg)

	settings := config.Load().Discovery
	settings.EmbeddingModel = "mock-model"
	settings.AutoSyncEnabled = false
	live := config.NewLive(settings)

	sched := syncer.New(s, ix, pipe, live, bus)
	t.Cleanup(sched.Stop)

	inv := &trackingInvalidator{}
	sched.SetInvalidator(inv)

	return &fixture{sched: sched, store: s, index: ix, bus: bus, driver: driver, inv: inv}
}

func seedResource(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.PutResource(context.Background(), &models.ResourceRecord{
		ResourceID:          id,
		ResourceType:        models.ResourceAPI,
		Name:                "weather-api " + id,
		Description:         "Current weather by city",
		Status:              models.StatusActive,
		VectorizationStatus: models.VectorizationPending,
		CreatedAt:           time.Now().UTC(),
		UpdatedAt:           time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("PutResource(%s) error = %v", id, err)
	}
}

func waitTask(t *testing.T, s store.Store, taskID string) *models.SyncTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if task.State.Terminal() {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", taskID)
	return nil
}

func TestStartSyncVectorizesPendingResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")
	seedResource(t, f.store, "r2")

	taskID, accepted, err := f.sched.StartSync(ctx, false)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	if !accepted {
		t.Fatal("StartSync() not accepted on idle scheduler")
	}

	task := waitTask(t, f.store, taskID)
	if task.State != models.TaskCompleted {
		t.Fatalf("task state = %q (%s), want completed", task.State, task.Error)
	}
	if task.TotalItems != 2 || task.SuccessfulItems != 2 || task.FailedItems != 0 {
		t.Errorf("task counters = %d/%d/%d, want 2 total, 2 ok, 0 failed",
			task.TotalItems, task.SuccessfulItems, task.FailedItems)
	}

	for _, id := range []string{"r1", "r2"} {
		r, _ := f.store.GetResource(ctx, id)
		if r.VectorizationStatus != models.VectorizationCompleted {
			t.Errorf("%s vectorization = %q, want completed", id, r.VectorizationStatus)
		}
	}

	// Four facets per resource.
	n, _ := f.index.Count(ctx)
	if n != 2*len(models.AllVectorTypes) {
		t.Errorf("vector count = %d, want %d", n, 2*len(models.AllVectorTypes))
	}

	if !f.inv.has("r1") || !f.inv.has("r2") {
		t.Errorf("cache invalidations = %v, want both resources", f.inv.ids)
	}
}

func TestIncrementalSyncSkipsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")

	taskID, _, err := f.sched.StartSync(ctx, false)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	waitTask(t, f.store, taskID)

	before := f.driver.calls.Load()

	taskID, _, err = f.sched.StartSync(ctx, false)
	if err != nil {
		t.Fatalf("StartSync() second run error = %v", err)
	}
	task := waitTask(t, f.store, taskID)

	if task.TotalItems != 0 {
		t.Errorf("second incremental run enumerated %d items, want 0", task.TotalItems)
	}
	if after := f.driver.calls.Load(); after != before {
		t.Errorf("provider called %d more times on unchanged catalog", after-before)
	}
}

func TestForceFullReembedsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")

	taskID, _, _ := f.sched.StartSync(ctx, false)
	waitTask(t, f.store, taskID)

	taskID, _, err := f.sched.StartSync(ctx, true)
	if err != nil {
		t.Fatalf("StartSync(force) error = %v", err)
	}
	task := waitTask(t, f.store, taskID)
	if task.TotalItems != 1 {
		t.Errorf("force-full enumerated %d items, want 1", task.TotalItems)
	}
	if task.State != models.TaskCompleted {
		t.Errorf("force-full state = %q, want completed", task.State)
	}
}

func TestStartSyncMutualExclusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	running := &models.SyncTask{
		TaskID:        "busy",
		OperationType: models.OpSync,
		State:         models.TaskRunning,
		CreatedAt:     time.Now().UTC(),
	}
	if err := f.store.CreateTask(ctx, running); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	taskID, accepted, err := f.sched.StartSync(ctx, false)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	if accepted {
		t.Error("StartSync() accepted while another sync is running")
	}
	if taskID != "busy" {
		t.Errorf("StartSync() returned %q, want the running task id busy", taskID)
	}
}

// gateDriver blocks inside Embed until released, so a test can cancel a
// running task while its first resource is still being embedded.
type gateDriver struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *gateDriver) Kind() string      { return "gate" }
func (d *gateDriver) Dimensions() int   { return 2 }
func (d *gateDriver) MaxBatchSize() int { return 16 }

func (d *gateDriver) Embed(_ context.Context, texts []string) ([][]float64, error) {
	d.once.Do(func() { close(d.started) })
	<-d.release
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

func (d *gateDriver) HealthCheck(context.Context) error { return nil }

func TestCancelSkipsRemainingItems(t *testing.T) {
	ctx := context.Background()

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ix := vectorindex.NewMemoryIndex()
	bus := events.NewMemoryBus()
	t.Cleanup(bus.Close)

	driver := &gateDriver{started: make(chan struct{}), release: make(chan struct{})}
	reg := embeddings.NewRegistry()
	reg.Register("mock-model", driver)
	pipe := embeddings.NewPipeline(reg)

	settings := config.Load().Discovery
	settings.EmbeddingModel = "mock-model"
	settings.AutoSyncEnabled = false
	// One worker makes the processing order and the skip count deterministic.
	settings.MaxConcurrentTasks = 1
	sched := syncer.New(s, ix, pipe, config.NewLive(settings), bus)
	t.Cleanup(sched.Stop)

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		seedResource(t, s, id)
	}

	if err := sched.Cancel("no-such-task"); !models.IsNotFound(err) {
		t.Errorf("Cancel() of unknown task error = %v, want NotFoundError", err)
	}

	taskID, accepted, err := sched.StartSync(ctx, false)
	if err != nil || !accepted {
		t.Fatalf("StartSync() = accepted %v, err %v", accepted, err)
	}

	select {
	case <-driver.started:
	case <-time.After(3 * time.Second):
		t.Fatal("sync never reached the embedding provider")
	}

	// The first resource is mid-embedding; cancel, then let it finish.
	// Workers check between resources, so r1 completes and the rest skip.
	if err := sched.Cancel(taskID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(driver.release)

	task := waitTask(t, s, taskID)
	if task.State != models.TaskFailed {
		t.Fatalf("cancelled task state = %q, want failed", task.State)
	}
	if task.Error != "cancelled" {
		t.Errorf("cancelled task error = %q, want cancelled", task.Error)
	}
	if task.SuccessfulItems != 1 || task.SkippedItems != 3 {
		t.Errorf("task counters = %d ok / %d skipped, want 1 ok, 3 skipped",
			task.SuccessfulItems, task.SkippedItems)
	}
	if task.ProcessedItems != task.TotalItems {
		t.Errorf("ProcessedItems = %d, want %d", task.ProcessedItems, task.TotalItems)
	}
}

func TestInFlightResourceCountedAsSkipped(t *testing.T) {
	ctx := context.Background()

	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ix := vectorindex.NewMemoryIndex()
	bus := events.NewMemoryBus()
	t.Cleanup(bus.Close)

	driver := &gateDriver{started: make(chan struct{}), release: make(chan struct{})}
	reg := embeddings.NewRegistry()
	reg.Register("mock-model", driver)
	pipe := embeddings.NewPipeline(reg)

	settings := config.Load().Discovery
	settings.EmbeddingModel = "mock-model"
	settings.AutoSyncEnabled = false
	sched := syncer.New(s, ix, pipe, config.NewLive(settings), bus)
	t.Cleanup(sched.Stop)
	defer close(driver.release)

	seedResource(t, s, "r1")

	// An event worker grabs r1 and parks inside the provider.
	bus.Publish(events.Event{Operation: events.OpInsert, Table: "resources", RecordID: "r1"})
	select {
	case <-driver.started:
	case <-time.After(3 * time.Second):
		t.Fatal("event worker never reached the embedding provider")
	}

	// A sync task over the same resource must leave it to the worker that
	// owns it and report it skipped, not successfully synced.
	taskID, _, err := sched.StartSync(ctx, false)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	task := waitTask(t, s, taskID)

	if task.State != models.TaskCompleted {
		t.Fatalf("task state = %q, want completed", task.State)
	}
	if task.SuccessfulItems != 0 || task.SkippedItems != 1 {
		t.Errorf("task counters = %d ok / %d skipped, want 0 ok, 1 skipped",
			task.SuccessfulItems, task.SkippedItems)
	}
}

func TestVectorizationFailureFlagsResource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")
	f.driver.fail.Store(true)

	taskID, _, err := f.sched.StartSync(ctx, false)
	if err != nil {
		t.Fatalf("StartSync() error = %v", err)
	}
	task := waitTask(t, f.store, taskID)

	if task.FailedItems != 1 {
		t.Errorf("FailedItems = %d, want 1", task.FailedItems)
	}

	r, _ := f.store.GetResource(ctx, "r1")
	if r.VectorizationStatus != models.VectorizationFailed {
		t.Errorf("vectorization status = %q, want failed", r.VectorizationStatus)
	}
}

func TestFailedResourceExcludedUntilRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")

	// First sync succeeds and the resource is searchable.
	taskID, _, _ := f.sched.StartSync(ctx, false)
	waitTask(t, f.store, taskID)
	hits, _ := f.index.Search(ctx, []float64{1, 0}, 10, nil, true)
	if len(hits) != 1 {
		t.Fatalf("hits after successful sync = %d, want 1", len(hits))
	}

	// Content changes but the provider is down: resync fails and the
	// resource drops out of search entirely.
	r, _ := f.store.GetResource(ctx, "r1")
	r.Description = "Hourly forecasts by region"
	if err := f.store.PutResource(ctx, r); err != nil {
		t.Fatalf("PutResource() error = %v", err)
	}
	f.driver.fail.Store(true)
	taskID, _, _ = f.sched.StartSync(ctx, false)
	waitTask(t, f.store, taskID)

	hits, _ = f.index.Search(ctx, []float64{1, 0}, 10, nil, true)
	if len(hits) != 0 {
		t.Errorf("hits after failed resync = %d, want 0", len(hits))
	}

	// Provider recovers; the next sync restores searchability.
	f.driver.fail.Store(false)
	taskID, _, _ = f.sched.StartSync(ctx, false)
	task := waitTask(t, f.store, taskID)
	if task.State != models.TaskCompleted || task.FailedItems != 0 {
		t.Fatalf("recovery sync = %q with %d failures", task.State, task.FailedItems)
	}
	hits, _ = f.index.Search(ctx, []float64{1, 0}, 10, nil, true)
	if len(hits) != 1 {
		t.Errorf("hits after recovery = %d, want 1", len(hits))
	}
}

func TestDeleteEventRemovesVectorsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")

	taskID, _, _ := f.sched.StartSync(ctx, false)
	waitTask(t, f.store, taskID)

	f.bus.Publish(events.Event{Operation: events.OpDelete, Table: "resources", RecordID: "r1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := f.index.Count(ctx); n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := f.index.Count(ctx)
	t.Errorf("vector count after delete event = %d, want 0", n)
}

func TestInsertEventTriggersVectorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")

	f.bus.Publish(events.Event{Operation: events.OpInsert, Table: "resources", RecordID: "r1"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, _ := f.store.GetResource(ctx, "r1")
		if r.VectorizationStatus == models.VectorizationCompleted {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	r, _ := f.store.GetResource(ctx, "r1")
	t.Errorf("vectorization status = %q, want completed after insert event", r.VectorizationStatus)
}

func TestDuplicateEventsProcessOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedResource(t, f.store, "r1")

	// Same (operation, table, record) delivered three times back to back.
	for i := 0; i < 3; i++ {
		f.bus.Publish(events.Event{Operation: events.OpUpdate, Table: "resources", RecordID: "r1"})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r, _ := f.store.GetResource(ctx, "r1")
		if r.VectorizationStatus == models.VectorizationCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Settle, then check the provider was hit once per facet, not thrice.
	time.Sleep(100 * time.Millisecond)
	if n := f.driver.calls.Load(); n != int64(len(models.AllVectorTypes)) {
		t.Errorf("provider calls = %d, want %d (one per facet)", n, len(models.AllVectorTypes))
	}
}
