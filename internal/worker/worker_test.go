// Package worker_test tests the JetStream job runner against an embedded
// NATS server and an in-memory generator.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/lesson-audio-service/internal/core"
	"github.com/book-expert/lesson-audio-service/internal/pipeline"
	"github.com/book-expert/lesson-audio-service/internal/script"
	"github.com/book-expert/lesson-audio-service/internal/worker"
)

const eventWait = 10 * time.Second

var errMockGenerate = errors.New("mock generation error")

// fakeGenerator persists a canned result per requested speed, or fails with
// a configured error.
type fakeGenerator struct {
	mu        sync.Mutex
	err       error
	failTimes int
	calls     int
	lastScr   *script.Script
}

func (g *fakeGenerator) GenerateAll(
	_ context.Context,
	scr *script.Script,
	speeds []core.Speed,
	sink core.ProgressSink,
	persist pipeline.PersistFunc,
) (map[core.Speed]*core.AssemblyResult, error) {
	g.mu.Lock()
	g.calls++
	g.lastScr = scr
	failing := g.err != nil && (g.failTimes == 0 || g.calls <= g.failTimes)
	g.mu.Unlock()

	if failing {
		return nil, g.err
	}

	results := make(map[core.Speed]*core.AssemblyResult, len(speeds))

	for _, speed := range speeds {
		result := &core.AssemblyResult{
			AudioURL:              fmt.Sprintf("lessons/%s/audio_%s.mp3", scr.LessonID, speed.Label()),
			ActualDurationSeconds: 60,
			TimingData: []core.TimingEntry{
				{UnitIndex: 0, StartTimeMs: 0, EndTimeMs: 60000},
			},
		}

		if persist != nil {
			if err := persist(speed, result); err != nil {
				return results, err
			}
		}

		results[speed] = result
	}

	if sink != nil {
		sink(100)
	}

	return results, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.calls
}

// scriptStore serves one marshaled script under any key.
type scriptStore struct {
	scr *script.Script
}

func (s *scriptStore) Download(_ context.Context, _ string) ([]byte, error) {
	return json.Marshal(s.scr)
}

func (s *scriptStore) Upload(_ context.Context, _ string, _ []byte) error { return nil }

func (s *scriptStore) UploadFile(_ context.Context, _, _ string) error { return nil }

func testScript() *script.Script {
	return &script.Script{
		LessonID:       "lesson-7",
		NativeLanguage: "en",
		TargetLanguage: "es",
		Units: []script.Unit{
			{Kind: script.UnitNarration, Text: "Listen.", VoiceID: "emma", Language: "en"},
		},
	}
}

func testConfig() worker.Config {
	return worker.Config{
		StreamName:        "TEST_JOBS",
		ConsumerName:      "test-workers",
		JobsSubject:       "test.jobs",
		ProgressSubject:   "test.progress",
		CompletedSubject:  "test.completed",
		FailedSubject:     "test.failed",
		MaxAttempts:       2,
		MaxConcurrentJobs: 2,
		AckWait:           30 * time.Second,
		Heartbeat:         5 * time.Second,
		BackoffBase:       100 * time.Millisecond,
		BackoffMax:        time.Second,
		JobTimeout:        time.Minute,
	}
}

type testHarness struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    worker.Config
	store  *scriptStore
	cancel context.CancelFunc
	done   chan struct{}
}

// startWorker runs one worker over the harness's connection. The returned
// cancel and done channel belong to this worker; the harness keeps the last
// started worker's pair for convenience.
func (h *testHarness) startWorker(t *testing.T, generator worker.Generator) {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	workerInstance := worker.New(h.conn, h.js, h.cfg, h.store, generator, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = workerInstance.Run(ctx)

		close(done)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(eventWait):
			t.Error("worker did not shut down")
		}
	})

	h.cancel = cancel
	h.done = done

	// Wait for the stream before publishing jobs.
	require.Eventually(t, func() bool {
		_, infoErr := h.js.StreamInfo(h.cfg.StreamName)

		return infoErr == nil
	}, eventWait, 20*time.Millisecond)
}

func setupHarness(t *testing.T, generator worker.Generator) *testHarness {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := conn.JetStream()
	require.NoError(t, err)

	harness := &testHarness{
		conn:   conn,
		js:     js,
		cfg:    testConfig(),
		store:  &scriptStore{scr: testScript()},
		cancel: nil,
		done:   nil,
	}

	harness.startWorker(t, generator)

	return harness
}

func (h *testHarness) subscribe(t *testing.T, subject string) chan *nats.Msg {
	t.Helper()

	events := make(chan *nats.Msg, 32)
	sub, err := h.conn.ChanSubscribe(subject, events)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return events
}

func (h *testHarness) publishJob(t *testing.T, job core.LessonAudioJob) {
	t.Helper()

	data, err := json.Marshal(job)
	require.NoError(t, err)

	_, err = h.js.Publish(h.cfg.JobsSubject, data)
	require.NoError(t, err)
}

func waitForEvents(t *testing.T, events chan *nats.Msg, want int) []*nats.Msg {
	t.Helper()

	collected := make([]*nats.Msg, 0, want)

	for len(collected) < want {
		select {
		case msg := <-events:
			collected = append(collected, msg)
		case <-time.After(eventWait):
			t.Fatalf("timed out waiting for events, got %d of %d", len(collected), want)
		}
	}

	return collected
}

func TestWorkerCompletesJobAndPublishesPerSpeedEvents(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{}
	harness := setupHarness(t, generator)

	completed := harness.subscribe(t, harness.cfg.CompletedSubject)
	progress := harness.subscribe(t, harness.cfg.ProgressSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:     "job-1",
		LessonID:  "lesson-7",
		ScriptKey: "scripts/lesson-7.json",
	})

	msgs := waitForEvents(t, completed, 3)
	seen := make(map[string]bool)

	for _, msg := range msgs {
		var event core.SpeedCompletedEvent

		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, "job-1", event.JobID)
		assert.Equal(t, "lesson-7", event.LessonID)
		assert.NotEmpty(t, event.Result.AudioURL)
		seen[event.Speed] = true
	}

	assert.Equal(t, map[string]bool{"slow": true, "reduced": true, "natural": true}, seen)

	progressMsgs := waitForEvents(t, progress, 1)

	var progressEvent core.JobProgressEvent

	require.NoError(t, json.Unmarshal(progressMsgs[0].Data, &progressEvent))
	assert.Equal(t, 100, progressEvent.Percent)
	assert.Equal(t, 1, generator.callCount())
}

func TestWorkerRestrictsSpeedsFromJobPayload(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{}
	harness := setupHarness(t, generator)

	completed := harness.subscribe(t, harness.cfg.CompletedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:       "job-2",
		LessonID:    "lesson-7",
		ScriptKey:   "scripts/lesson-7.json",
		SpeedLabels: []string{"natural"},
	})

	msgs := waitForEvents(t, completed, 1)

	var event core.SpeedCompletedEvent

	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, "natural", event.Speed)

	// No further variants should arrive.
	select {
	case extra := <-completed:
		t.Fatalf("unexpected extra completion event: %s", extra.Data)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWorkerFailsPermanentErrorWithoutRetry(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{err: errMockGenerate}
	harness := setupHarness(t, generator)

	failed := harness.subscribe(t, harness.cfg.FailedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:     "job-3",
		LessonID:  "lesson-7",
		ScriptKey: "scripts/lesson-7.json",
	})

	msgs := waitForEvents(t, failed, 1)

	var event core.JobFailedEvent

	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, "job-3", event.JobID)
	assert.Contains(t, event.Error, "mock generation error")
	assert.Equal(t, 1, event.Attempts)
	assert.Equal(t, 1, generator.callCount())
}

func TestWorkerRetriesTransientErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{err: core.ErrProviderBusy, failTimes: 1}
	harness := setupHarness(t, generator)

	completed := harness.subscribe(t, harness.cfg.CompletedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:     "job-4",
		LessonID:  "lesson-7",
		ScriptKey: "scripts/lesson-7.json",
	})

	// First delivery fails with a busy provider, second succeeds after the
	// backoff delay.
	waitForEvents(t, completed, 3)
	assert.Equal(t, 2, generator.callCount())
}

func TestWorkerFailsTransientErrorAfterDeliveryBudget(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{err: core.ErrProviderBusy}
	harness := setupHarness(t, generator)

	failed := harness.subscribe(t, harness.cfg.FailedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:     "job-5",
		LessonID:  "lesson-7",
		ScriptKey: "scripts/lesson-7.json",
	})

	msgs := waitForEvents(t, failed, 1)

	var event core.JobFailedEvent

	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, 2, event.Attempts)
	assert.Equal(t, 2, generator.callCount())
}

// gateGenerator blocks every run until released, recording how many runs
// for the same script are in flight at once.
type gateGenerator struct {
	mu      sync.Mutex
	started chan struct{}
	release chan struct{}
	running int
	maxSame int
}

func newGateGenerator() *gateGenerator {
	return &gateGenerator{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
		running: 0,
		maxSame: 0,
	}
}

func (g *gateGenerator) GenerateAll(
	ctx context.Context,
	scr *script.Script,
	speeds []core.Speed,
	_ core.ProgressSink,
	persist pipeline.PersistFunc,
) (map[core.Speed]*core.AssemblyResult, error) {
	g.mu.Lock()
	g.running++

	if g.running > g.maxSame {
		g.maxSame = g.running
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running--
		g.mu.Unlock()
	}()

	g.started <- struct{}{}

	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, fmt.Errorf("generation interrupted: %w", ctx.Err())
	}

	results := make(map[core.Speed]*core.AssemblyResult, len(speeds))

	for _, speed := range speeds {
		result := &core.AssemblyResult{
			AudioURL:              fmt.Sprintf("lessons/%s/audio_%s.mp3", scr.LessonID, speed.Label()),
			ActualDurationSeconds: 60,
			TimingData: []core.TimingEntry{
				{UnitIndex: 0, StartTimeMs: 0, EndTimeMs: 60000},
			},
		}

		if persist != nil {
			if err := persist(speed, result); err != nil {
				return results, err
			}
		}

		results[speed] = result
	}

	return results, nil
}

func (g *gateGenerator) maxConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.maxSame
}

func TestWorkerRequeuesJobInterruptedByShutdown(t *testing.T) {
	t.Parallel()

	gate := newGateGenerator()
	harness := setupHarness(t, gate)

	failed := harness.subscribe(t, harness.cfg.FailedSubject)
	completed := harness.subscribe(t, harness.cfg.CompletedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:       "job-7",
		LessonID:    "lesson-7",
		ScriptKey:   "scripts/lesson-7.json",
		SpeedLabels: []string{"natural"},
	})

	select {
	case <-gate.started:
	case <-time.After(eventWait):
		t.Fatal("job never started")
	}

	// Stop the worker while the job is mid-generation.
	harness.cancel()

	select {
	case <-harness.done:
	case <-time.After(eventWait):
		t.Fatal("worker did not stop")
	}

	// A routine restart is not a job fault: no terminal failure event.
	select {
	case msg := <-failed:
		t.Fatalf("terminal failure published on shutdown: %s", msg.Data)
	case <-time.After(500 * time.Millisecond):
	}

	// A fresh worker picks the requeued job back up and completes it.
	harness.startWorker(t, &fakeGenerator{})

	msgs := waitForEvents(t, completed, 1)

	var event core.SpeedCompletedEvent

	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, "job-7", event.JobID)
}

func TestWorkerRunsIndependentLessonsConcurrently(t *testing.T) {
	t.Parallel()

	gate := newGateGenerator()
	harness := setupHarness(t, gate)

	completed := harness.subscribe(t, harness.cfg.CompletedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:       "job-a",
		LessonID:    "lesson-a",
		ScriptKey:   "scripts/lesson-a.json",
		SpeedLabels: []string{"natural"},
	})
	harness.publishJob(t, core.LessonAudioJob{
		JobID:       "job-b",
		LessonID:    "lesson-b",
		ScriptKey:   "scripts/lesson-b.json",
		SpeedLabels: []string{"natural"},
	})

	// Both jobs must be in flight at once while the gate is closed; with
	// serial dispatch the second start never happens.
	for range 2 {
		select {
		case <-gate.started:
		case <-time.After(eventWait):
			t.Fatal("jobs for independent lessons did not run concurrently")
		}
	}

	close(gate.release)

	msgs := waitForEvents(t, completed, 2)
	jobIDs := make(map[string]bool)

	for _, msg := range msgs {
		var event core.SpeedCompletedEvent

		require.NoError(t, json.Unmarshal(msg.Data, &event))
		jobIDs[event.JobID] = true
	}

	assert.Equal(t, map[string]bool{"job-a": true, "job-b": true}, jobIDs)
}

func TestWorkerSerializesJobsForSameLesson(t *testing.T) {
	t.Parallel()

	gate := newGateGenerator()
	harness := setupHarness(t, gate)

	completed := harness.subscribe(t, harness.cfg.CompletedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:       "job-a",
		LessonID:    "lesson-7",
		ScriptKey:   "scripts/lesson-7.json",
		SpeedLabels: []string{"natural"},
	})
	harness.publishJob(t, core.LessonAudioJob{
		JobID:       "job-b",
		LessonID:    "lesson-7",
		ScriptKey:   "scripts/lesson-7.json",
		SpeedLabels: []string{"natural"},
	})

	select {
	case <-gate.started:
	case <-time.After(eventWait):
		t.Fatal("first job never started")
	}

	// The duplicate lesson gets requeued, never a second concurrent run.
	select {
	case <-gate.started:
		t.Fatal("second job for the same lesson ran concurrently")
	case <-time.After(300 * time.Millisecond):
	}

	close(gate.release)

	msgs := waitForEvents(t, completed, 2)
	jobIDs := make(map[string]bool)

	for _, msg := range msgs {
		var event core.SpeedCompletedEvent

		require.NoError(t, json.Unmarshal(msg.Data, &event))
		jobIDs[event.JobID] = true
	}

	assert.Equal(t, map[string]bool{"job-a": true, "job-b": true}, jobIDs)
	assert.Equal(t, 1, gate.maxConcurrent())
}

func TestWorkerRejectsUnknownSpeedLabel(t *testing.T) {
	t.Parallel()

	generator := &fakeGenerator{}
	harness := setupHarness(t, generator)

	failed := harness.subscribe(t, harness.cfg.FailedSubject)

	harness.publishJob(t, core.LessonAudioJob{
		JobID:       "job-6",
		LessonID:    "lesson-7",
		ScriptKey:   "scripts/lesson-7.json",
		SpeedLabels: []string{"double"},
	})

	msgs := waitForEvents(t, failed, 1)

	var event core.JobFailedEvent

	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Contains(t, event.Error, "unknown speed label")
	assert.Equal(t, 0, generator.callCount())
}
