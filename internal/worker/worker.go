// Package worker provides the NATS JetStream job runner for lesson audio
// generation. Jobs are long-running (minutes, not seconds), so delivery uses
// explicit acks, in-progress heartbeats and bounded redelivery instead of the
// fire-and-forget pattern a short job could get away with.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/lesson-audio-service/internal/core"
	"github.com/book-expert/lesson-audio-service/internal/pipeline"
	"github.com/book-expert/lesson-audio-service/internal/script"
)

var (
	// ErrJobFieldsMissing indicates a job payload without the required IDs.
	ErrJobFieldsMissing = errors.New("job payload missing required fields")
	// ErrUnknownSpeed indicates a job requesting a speed label that does not exist.
	ErrUnknownSpeed = errors.New("unknown speed label")
)

// Generator runs the full multi-speed pipeline for one script.
type Generator interface {
	GenerateAll(
		ctx context.Context,
		scr *script.Script,
		speeds []core.Speed,
		sink core.ProgressSink,
		persist pipeline.PersistFunc,
	) (map[core.Speed]*core.AssemblyResult, error)
}

// Config holds the worker's queue and retry settings.
type Config struct {
	StreamName       string
	ConsumerName     string
	JobsSubject      string
	ProgressSubject  string
	CompletedSubject string
	FailedSubject    string
	MaxAttempts      int
	// MaxConcurrentJobs bounds how many jobs run at once on this instance.
	MaxConcurrentJobs int
	AckWait           time.Duration
	Heartbeat         time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	JobTimeout        time.Duration
}

// Worker consumes lesson audio jobs from a JetStream work queue.
type Worker struct {
	natsConnection   *nats.Conn
	jetstreamContext nats.JetStreamContext
	cfg              Config
	store            core.ObjectStore
	generator        Generator
	locks            *lessonLocks
	log              *logger.Logger
}

// New creates a Worker.
func New(
	natsConnection *nats.Conn,
	jetstreamContext nats.JetStreamContext,
	cfg Config,
	store core.ObjectStore,
	generator Generator,
	log *logger.Logger,
) *Worker {
	return &Worker{
		natsConnection:   natsConnection,
		jetstreamContext: jetstreamContext,
		cfg:              cfg,
		store:            store,
		generator:        generator,
		locks:            newLessonLocks(),
		log:              log,
	}
}

// EnsureStream creates the jobs stream if it does not exist yet. The stream
// is a work queue: each job is delivered to exactly one worker.
func (w *Worker) EnsureStream() error {
	_, infoErr := w.jetstreamContext.StreamInfo(w.cfg.StreamName)
	if infoErr == nil {
		return nil
	}

	if !errors.Is(infoErr, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", w.cfg.StreamName, infoErr)
	}

	_, addErr := w.jetstreamContext.AddStream(&nats.StreamConfig{
		Name:      w.cfg.StreamName,
		Subjects:  []string{w.cfg.JobsSubject},
		Retention: nats.WorkQueuePolicy,
	})
	if addErr != nil {
		return fmt.Errorf("failed to create stream %s: %w", w.cfg.StreamName, addErr)
	}

	return nil
}

// Run subscribes to the jobs subject and processes messages until the
// context is cancelled, then drains the subscription and waits for in-flight
// jobs to finish.
//
// Jobs dispatch to a fixed-size goroutine pool so independent lessons run
// concurrently; serialization happens per lesson via the lesson lock, never
// per subscription. Delivery attempts are not capped at the consumer: the
// attempt budget is enforced in handleJobError, and a job waiting out a busy
// lesson may be redelivered any number of times.
func (w *Worker) Run(ctx context.Context) error {
	streamErr := w.EnsureStream()
	if streamErr != nil {
		return streamErr
	}

	capacity := w.cfg.MaxConcurrentJobs
	if capacity <= 0 {
		capacity = 1
	}

	semaphore := make(chan struct{}, capacity)

	var inFlight sync.WaitGroup

	sub, subscribeErr := w.jetstreamContext.Subscribe(
		w.cfg.JobsSubject,
		func(msg *nats.Msg) {
			inFlight.Add(1)

			go func() {
				defer inFlight.Done()

				semaphore <- struct{}{}

				defer func() { <-semaphore }()

				w.handleMessage(ctx, msg)
			}()
		},
		nats.Durable(w.cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckWait(w.cfg.AckWait),
	)
	if subscribeErr != nil {
		return fmt.Errorf(
			"failed to subscribe to subject %s: %w", w.cfg.JobsSubject, subscribeErr,
		)
	}

	w.log.Info("worker listening on %s (durable %s)", w.cfg.JobsSubject, w.cfg.ConsumerName)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	inFlight.Wait()

	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *nats.Msg) {
	job, parseErr := parseJob(msg.Data)
	if parseErr != nil {
		// A payload that cannot be parsed will never succeed on redelivery.
		w.log.Error("discarding malformed job payload: %v", parseErr)
		w.ack(msg)

		return
	}

	if !w.locks.acquire(job.LessonID) {
		// Another job for this lesson is running here; requeue rather than
		// interleave two generations for the same lesson.
		w.log.Warn("lesson %s busy, requeueing job %s", job.LessonID, job.JobID)
		w.nakWithDelay(msg, w.cfg.BackoffBase)

		return
	}

	defer w.locks.release(job.LessonID)

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	stopHeartbeat := w.startHeartbeat(jobCtx, msg)
	defer stopHeartbeat()

	runErr := w.runJob(jobCtx, job)
	if runErr != nil {
		if ctx.Err() != nil {
			// The worker is shutting down, not the job failing: leave the
			// message for redelivery, never record a terminal failure.
			w.log.Warn(
				"job %s for lesson %s interrupted by shutdown, requeueing",
				job.JobID, job.LessonID,
			)
			w.nakWithDelay(msg, w.cfg.BackoffBase)

			return
		}

		w.handleJobError(msg, job, runErr)

		return
	}

	w.ack(msg)
	w.log.Info("job %s for lesson %s completed", job.JobID, job.LessonID)
}

// runJob downloads the script and drives the generator, publishing progress
// and per-speed completion events along the way.
func (w *Worker) runJob(ctx context.Context, job *core.LessonAudioJob) error {
	speeds, speedErr := resolveSpeeds(job.SpeedLabels)
	if speedErr != nil {
		return speedErr
	}

	scriptData, downloadErr := w.store.Download(ctx, job.ScriptKey)
	if downloadErr != nil {
		return fmt.Errorf(
			"failed to download script for key '%s': %w", job.ScriptKey, downloadErr,
		)
	}

	var scr script.Script

	unmarshalErr := json.Unmarshal(scriptData, &scr)
	if unmarshalErr != nil {
		return fmt.Errorf("failed to unmarshal script: %w", unmarshalErr)
	}

	_, generateErr := w.generator.GenerateAll(
		ctx, &scr, speeds,
		func(percent int) { w.publishProgress(job, percent) },
		func(speed core.Speed, result *core.AssemblyResult) error {
			w.publishSpeedCompleted(job, speed, result)

			return nil
		},
	)
	if generateErr != nil {
		return fmt.Errorf("generation failed: %w", generateErr)
	}

	return nil
}

// handleJobError decides between redelivery and terminal failure. Transient
// faults back off exponentially until the delivery budget runs out; anything
// else fails the job immediately. NumDelivered counts busy-lesson requeues
// too, so a heavily contended lesson spends its budget sooner.
func (w *Worker) handleJobError(msg *nats.Msg, job *core.LessonAudioJob, jobErr error) {
	attempts := w.deliveryCount(msg)

	if isTransient(jobErr) && attempts < w.cfg.MaxAttempts {
		delay := w.backoffDelay(attempts)
		w.log.Warn(
			"job %s attempt %d/%d failed transiently, retrying in %s: %v",
			job.JobID, attempts, w.cfg.MaxAttempts, delay, jobErr,
		)
		w.nakWithDelay(msg, delay)

		return
	}

	w.log.Error(
		"job %s for lesson %s failed terminally after %d attempts: %v",
		job.JobID, job.LessonID, attempts, jobErr,
	)
	w.publishFailed(job, jobErr, attempts)
	w.ack(msg)
}

// isTransient reports whether a fault is expected to clear on its own:
// provider saturation, toolchain timeouts and job deadline overruns. Script
// and alignment errors are deterministic and never retried.
func isTransient(err error) bool {
	return errors.Is(err, core.ErrProviderBusy) ||
		errors.Is(err, core.ErrToolchainTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) backoffDelay(attempt int) time.Duration {
	delay := w.cfg.BackoffBase

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.BackoffMax {
			return w.cfg.BackoffMax
		}
	}

	return delay
}

func (w *Worker) deliveryCount(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil {
		return 1
	}

	return int(meta.NumDelivered)
}

// startHeartbeat extends the ack deadline while a long job runs, so slow
// synthesis is not mistaken for a dead worker. The returned stop function is
// idempotent via the context cancel.
func (w *Worker) startHeartbeat(ctx context.Context, msg *nats.Msg) func() {
	heartbeatCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(w.cfg.Heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				progressErr := msg.InProgress()
				if progressErr != nil {
					w.log.Warn("failed to extend ack deadline: %v", progressErr)
				}
			}
		}
	}()

	return cancel
}

func (w *Worker) publishProgress(job *core.LessonAudioJob, percent int) {
	w.publishEvent(w.cfg.ProgressSubject, core.JobProgressEvent{
		JobID:    job.JobID,
		LessonID: job.LessonID,
		Percent:  percent,
	})
}

func (w *Worker) publishSpeedCompleted(
	job *core.LessonAudioJob,
	speed core.Speed,
	result *core.AssemblyResult,
) {
	w.publishEvent(w.cfg.CompletedSubject, core.SpeedCompletedEvent{
		JobID:    job.JobID,
		LessonID: job.LessonID,
		Speed:    speed.Label(),
		Result:   *result,
	})
}

func (w *Worker) publishFailed(job *core.LessonAudioJob, jobErr error, attempts int) {
	w.publishEvent(w.cfg.FailedSubject, core.JobFailedEvent{
		JobID:    job.JobID,
		LessonID: job.LessonID,
		Error:    jobErr.Error(),
		Attempts: attempts,
	})
}

// publishEvent is best-effort: event delivery never decides job outcome.
func (w *Worker) publishEvent(subject string, event any) {
	data, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		w.log.Error("failed to marshal event for %s: %v", subject, marshalErr)

		return
	}

	publishErr := w.natsConnection.Publish(subject, data)
	if publishErr != nil {
		w.log.Warn("failed to publish event to %s: %v", subject, publishErr)
	}
}

func (w *Worker) ack(msg *nats.Msg) {
	ackErr := msg.Ack()
	if ackErr != nil {
		w.log.Warn("failed to ack message: %v", ackErr)
	}
}

func (w *Worker) nakWithDelay(msg *nats.Msg, delay time.Duration) {
	nakErr := msg.NakWithDelay(delay)
	if nakErr != nil {
		w.log.Warn("failed to nak message: %v", nakErr)
	}
}

func parseJob(data []byte) (*core.LessonAudioJob, error) {
	var job core.LessonAudioJob

	unmarshalErr := json.Unmarshal(data, &job)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", unmarshalErr)
	}

	if job.JobID == "" || job.LessonID == "" || job.ScriptKey == "" {
		return nil, fmt.Errorf(
			"%w: job_id=%q lesson_id=%q script_key=%q",
			ErrJobFieldsMissing, job.JobID, job.LessonID, job.ScriptKey,
		)
	}

	return &job, nil
}

func resolveSpeeds(labels []string) ([]core.Speed, error) {
	if len(labels) == 0 {
		return core.Speeds, nil
	}

	speeds := make([]core.Speed, 0, len(labels))

	for _, label := range labels {
		speed, ok := core.SpeedFromLabel(label)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSpeed, label)
		}

		speeds = append(speeds, speed)
	}

	return speeds, nil
}

// lessonLocks serializes jobs per lesson within one process. Cross-instance
// exclusion is not attempted; the work queue already delivers each job once.
type lessonLocks struct {
	mu     sync.Mutex
	locked map[string]struct{}
}

func newLessonLocks() *lessonLocks {
	return &lessonLocks{locked: make(map[string]struct{})}
}

func (l *lessonLocks) acquire(lessonID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locked[lessonID]; held {
		return false
	}

	l.locked[lessonID] = struct{}{}

	return true
}

func (l *lessonLocks) release(lessonID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.locked, lessonID)
}
