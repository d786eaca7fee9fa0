package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"ingest.groundswell.dev/db/repository"
	"ingest.groundswell.dev/queue"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// In-memory fakes mirroring the guarded transitions of the postgres
// repositories, so stage services can be tested without a database.

type fakeRunRepo struct {
	mu      sync.Mutex
	runs    map[string]*repository.Run
	streams *fakeStreamRepo
	data    *fakeDataRepo
}

func (r *fakeRunRepo) Create(ctx context.Context, run *repository.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	cp.State = repository.StatePending
	r.runs[run.ID] = &cp
	return nil
}

func (r *fakeRunRepo) Find(ctx context.Context, id string) (*repository.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *fakeRunRepo) MarkInProgress(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return false, nil
	}
	switch run.State {
	case repository.StatePending, repository.StateProcessing, repository.StateDelayed:
		run.State = repository.StateProcessing
		run.DelayedUntil = nil
		return true, nil
	}
	return false, nil
}

func (r *fakeRunRepo) Delay(ctx context.Context, id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok && run.State == repository.StateProcessing {
		run.State = repository.StateDelayed
		run.DelayedUntil = &until
	}
	return nil
}

func (r *fakeRunRepo) MarkError(ctx context.Context, id string, serr *repository.UnitError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok &&
		run.State != repository.StateProcessed && run.State != repository.StateError {
		run.State = repository.StateError
		run.Error = serr
	}
	return nil
}

func (r *fakeRunRepo) PromoteDueDelayed(ctx context.Context, now time.Time) ([]repository.UnitRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []repository.UnitRef
	for _, run := range r.runs {
		if run.State == repository.StateDelayed && run.DelayedUntil != nil && !run.DelayedUntil.After(now) {
			run.State = repository.StateProcessing
			run.DelayedUntil = nil
			refs = append(refs, repository.UnitRef{ID: run.ID, TenantID: run.TenantID})
		}
	}
	return refs, nil
}

func (r *fakeRunRepo) FinishableRuns(ctx context.Context) ([]repository.UnitRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []repository.UnitRef
	for _, run := range r.runs {
		if run.State != repository.StateProcessing {
			continue
		}
		total, live := r.streams.countForRun(run.ID)
		if total == 0 || live > 0 {
			continue
		}
		if r.data != nil && r.data.liveForRun(run.ID) > 0 {
			continue
		}
		refs = append(refs, repository.UnitRef{ID: run.ID, TenantID: run.TenantID})
	}
	return refs, nil
}

func (r *fakeRunRepo) MarkProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok && run.State == repository.StateProcessing {
		run.State = repository.StateProcessed
		ts := time.Now()
		run.ProcessedAt = &ts
	}
	return nil
}

type fakeStreamRepo struct {
	mu      sync.Mutex
	streams map[string]*repository.Stream
	runs    *fakeRunRepo
}

func (r *fakeStreamRepo) countForRun(runID string) (total, live int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.streams {
		if s.RunID != runID {
			continue
		}
		total++
		switch s.State {
		case repository.StatePending, repository.StateProcessing, repository.StateDelayed:
			live++
		}
	}
	return total, live
}

func (r *fakeStreamRepo) Create(ctx context.Context, stream *repository.Stream) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.streams {
		if existing.RunID == stream.RunID && existing.Identifier == stream.Identifier {
			return false, nil
		}
	}
	cp := *stream
	cp.State = repository.StatePending
	r.streams[stream.ID] = &cp
	return true, nil
}

func (r *fakeStreamRepo) Find(ctx context.Context, id string) (*repository.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stream, ok := r.streams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *stream
	return &cp, nil
}

func (r *fakeStreamRepo) CountByRun(ctx context.Context, runID string) (int, error) {
	total, _ := r.countForRun(runID)
	return total, nil
}

func (r *fakeStreamRepo) FindPendingByRun(ctx context.Context, runID string) ([]repository.UnitRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []repository.UnitRef
	for _, s := range r.streams {
		if s.RunID == runID && s.State == repository.StatePending {
			refs = append(refs, repository.UnitRef{ID: s.ID, TenantID: s.TenantID})
		}
	}
	return refs, nil
}

func (r *fakeStreamRepo) MarkInProgress(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stream, ok := r.streams[id]
	if !ok {
		return false, nil
	}
	switch stream.State {
	case repository.StatePending, repository.StateProcessing:
		stream.State = repository.StateProcessing
		return true, nil
	}
	return false, nil
}

func (r *fakeStreamRepo) MarkProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[id]; ok && stream.State == repository.StateProcessing {
		stream.State = repository.StateProcessed
		ts := time.Now()
		stream.ProcessedAt = &ts
	}
	return nil
}

func (r *fakeStreamRepo) Reset(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[id]; ok && stream.State == repository.StateProcessing {
		stream.State = repository.StatePending
	}
	return nil
}

func (r *fakeStreamRepo) Delay(ctx context.Context, id string, until time.Time, retries int, serr *repository.UnitError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[id]; ok && stream.State == repository.StateProcessing {
		stream.State = repository.StateDelayed
		stream.DelayedUntil = &until
		stream.Retries = retries
		stream.Error = serr
	}
	return nil
}

func (r *fakeStreamRepo) MarkError(ctx context.Context, id string, serr *repository.UnitError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[id]; ok && stream.State != repository.StateProcessed &&
		stream.State != repository.StateError {
		stream.State = repository.StateError
		stream.Error = serr
	}
	return nil
}

func (r *fakeStreamRepo) MarkExhausted(ctx context.Context, id string, retries int, serr *repository.UnitError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream, ok := r.streams[id]; ok && stream.State == repository.StateProcessing {
		stream.State = repository.StateError
		stream.Retries = retries
		stream.Error = serr
	}
	return nil
}

func (r *fakeStreamRepo) PromoteDueDelayed(ctx context.Context, now time.Time) ([]repository.UnitRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []repository.UnitRef
	for _, stream := range r.streams {
		if stream.State != repository.StateDelayed || stream.DelayedUntil == nil || stream.DelayedUntil.After(now) {
			continue
		}
		run, err := r.runs.Find(ctx, stream.RunID)
		if err != nil || run.State != repository.StateProcessing {
			continue
		}
		stream.State = repository.StatePending
		stream.DelayedUntil = nil
		refs = append(refs, repository.UnitRef{ID: stream.ID, TenantID: stream.TenantID})
	}
	return refs, nil
}

type fakeDataRepo struct {
	mu      sync.Mutex
	records map[string]*repository.Data
}

func (r *fakeDataRepo) liveForRun(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := 0
	for _, d := range r.records {
		if d.RunID != runID {
			continue
		}
		if d.State == repository.StatePending || d.State == repository.StateProcessing {
			live++
		}
	}
	return live
}

func (r *fakeDataRepo) Create(ctx context.Context, data *repository.Data) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *data
	cp.State = repository.StatePending
	r.records[data.ID] = &cp
	return nil
}

func (r *fakeDataRepo) Find(ctx context.Context, id string) (*repository.Data, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *data
	return &cp, nil
}

func (r *fakeDataRepo) FindPendingByRun(ctx context.Context, runID string) ([]repository.UnitRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []repository.UnitRef
	for _, data := range r.records {
		if data.RunID == runID && data.State == repository.StatePending {
			refs = append(refs, repository.UnitRef{ID: data.ID, TenantID: data.TenantID})
		}
	}
	return refs, nil
}

func (r *fakeDataRepo) MarkInProgress(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.records[id]
	if !ok {
		return false, nil
	}
	switch data.State {
	case repository.StatePending, repository.StateProcessing:
		data.State = repository.StateProcessing
		return true, nil
	}
	return false, nil
}

func (r *fakeDataRepo) MarkProcessed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.records[id]; ok && data.State == repository.StateProcessing {
		data.State = repository.StateProcessed
	}
	return nil
}

func (r *fakeDataRepo) ResetForRetry(ctx context.Context, id string, retries int, serr *repository.UnitError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.records[id]; ok && data.State == repository.StateProcessing {
		data.State = repository.StatePending
		data.Retries = retries
		if serr != nil {
			data.Error = serr
		}
	}
	return nil
}

func (r *fakeDataRepo) MarkError(ctx context.Context, id string, serr *repository.UnitError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.records[id]; ok && data.State != repository.StateProcessed &&
		data.State != repository.StateError {
		data.State = repository.StateError
		data.Error = serr
	}
	return nil
}

func (r *fakeDataRepo) MarkExhausted(ctx context.Context, id string, retries int, serr *repository.UnitError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.records[id]; ok && data.State == repository.StateProcessing {
		data.State = repository.StateError
		data.Retries = retries
		data.Error = serr
	}
	return nil
}

type fakeIntegrationRepo struct {
	mu           sync.Mutex
	integrations map[string]*repository.Integration
}

func (r *fakeIntegrationRepo) Find(ctx context.Context, id string) (*repository.Integration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	integration, ok := r.integrations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *integration
	return &cp, nil
}

func (r *fakeIntegrationRepo) MergeSettings(ctx context.Context, id string, partial map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	integration, ok := r.integrations[id]
	if !ok {
		return repository.ErrNotFound
	}
	if integration.Settings == nil {
		integration.Settings = map[string]interface{}{}
	}
	for k, v := range partial {
		integration.Settings[k] = v
	}
	return nil
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: map[string][]byte{}}
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.values[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return value, nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

// recordingSender captures published queue messages.
type recordingSender struct {
	mu       sync.Mutex
	messages []*queue.Message
}

func (s *recordingSender) Send(ctx context.Context, groupID string, msg *queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *recordingSender) all() []*queue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*queue.Message(nil), s.messages...)
}

// recordingSink captures sink upserts.
type recordingSink struct {
	mu         sync.Mutex
	activities []string
	members    []string
}

func (s *recordingSink) UpsertActivity(ctx context.Context, tenantID, sourceID string, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, sourceID)
	return nil
}

func (s *recordingSink) UpsertMember(ctx context.Context, tenantID string, identities []MemberIdentity, payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range identities {
		s.members = append(s.members, identity.Username)
	}
	return nil
}

// fixture wires the stage services over the in-memory fakes.
type fixture struct {
	runs         *fakeRunRepo
	streams      *fakeStreamRepo
	data         *fakeDataRepo
	integrations *fakeIntegrationRepo
	registry     *Registry
	sink         *recordingSink
	cache        *memoryCache

	runQ    *recordingSender
	streamQ *recordingSender
	dataQ   *recordingSender
	emitter *queue.Emitter

	runService    *RunService
	streamService *StreamService
	dataService   *DataService
	sweeper       *Sweeper
}

const (
	testMaxRetries = 2
	testBackoff    = 15 * time.Minute
	testPlatform   = "testplat"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		integrations: &fakeIntegrationRepo{integrations: map[string]*repository.Integration{}},
		registry:     NewRegistry(),
		sink:         &recordingSink{},
		cache:        newMemoryCache(),
		runQ:         &recordingSender{},
		streamQ:      &recordingSender{},
		dataQ:        &recordingSender{},
	}
	f.data = &fakeDataRepo{records: map[string]*repository.Data{}}
	f.runs = &fakeRunRepo{runs: map[string]*repository.Run{}, data: f.data}
	f.streams = &fakeStreamRepo{streams: map[string]*repository.Stream{}, runs: f.runs}
	f.runs.streams = f.streams

	f.emitter = queue.NewEmitter(f.runQ, f.streamQ, f.dataQ)
	cacheFor := func(runID string) repository.CacheRepository { return f.cache }

	log := testLogger()
	f.runService = NewRunService(log, f.runs, f.streams, f.integrations, f.registry, f.emitter, cacheFor)
	f.streamService = NewStreamService(log, f.runs, f.streams, f.data, f.integrations,
		f.registry, f.emitter, cacheFor, testMaxRetries, testBackoff)
	f.dataService = NewDataService(log, f.runs, f.data, f.integrations, f.registry,
		f.sink, cacheFor, testMaxRetries)
	f.sweeper = NewSweeper(log, f.runs, f.streams, f.data, f.emitter, time.Second)

	return f
}

// seedIntegration creates an integration for the test platform.
func (f *fixture) seedIntegration(id, tenantID string, settings map[string]interface{}) *repository.Integration {
	integration := &repository.Integration{
		ID:       id,
		TenantID: tenantID,
		Platform: testPlatform,
		Status:   "done",
		Settings: settings,
	}
	f.integrations.mu.Lock()
	f.integrations.integrations[id] = integration
	f.integrations.mu.Unlock()
	return integration
}

// seedRun creates a run in the given state.
func (f *fixture) seedRun(id, tenantID, integrationID, state string) *repository.Run {
	run := &repository.Run{
		ID:            id,
		TenantID:      tenantID,
		IntegrationID: integrationID,
		State:         state,
	}
	f.runs.mu.Lock()
	f.runs.runs[id] = run
	f.runs.mu.Unlock()
	return run
}

// seedStream creates a stream in the given state.
func (f *fixture) seedStream(id, runID, tenantID, integrationID, identifier, state string) *repository.Stream {
	stream := &repository.Stream{
		ID:            id,
		RunID:         runID,
		TenantID:      tenantID,
		IntegrationID: integrationID,
		Identifier:    identifier,
		State:         state,
	}
	f.streams.mu.Lock()
	f.streams.streams[id] = stream
	f.streams.mu.Unlock()
	return stream
}

// seedData creates a data record in the given state.
func (f *fixture) seedData(id, streamID, runID, tenantID, state string, payload map[string]interface{}) *repository.Data {
	record := &repository.Data{
		ID:       id,
		StreamID: streamID,
		RunID:    runID,
		TenantID: tenantID,
		State:    state,
		Data:     payload,
	}
	f.data.mu.Lock()
	f.data.records[id] = record
	f.data.mu.Unlock()
	return record
}

// fixedNow pins the pipeline clock for the duration of the test.
func fixedNow(t *testing.T, ts time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = prev })
}
