package bundles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/steambundleapi/bundleapi/internal/config"
	"github.com/steambundleapi/bundleapi/internal/instrumentation/tracing"
	"github.com/steambundleapi/bundleapi/pkg/poll"
	"github.com/steambundleapi/bundleapi/pkg/ring_buffer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Operation string

const (
	OpForceUpdate     Operation = "force-update"
	OpUpdateDetails   Operation = "update-details"
	OpTestUpdate      Operation = "test-update"
	OpCleanDuplicates Operation = "clean-duplicates"
)

// Operations lists every operation the admin routes can trigger.
var Operations = []Operation{OpForceUpdate, OpUpdateDetails, OpTestUpdate, OpCleanDuplicates}

type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
)

var ErrQueueFull = errors.New("update queue is full")

const historySize = 20

type Job struct {
	ID         string     `json:"id"`
	Operation  Operation  `json:"operation"`
	State      JobState   `json:"state"`
	QueuedAt   time.Time  `json:"queuedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Status summarizes trigger activity for GET /api/status.
type Status struct {
	LastTriggered map[Operation]time.Time `json:"lastTriggered"`
	Pending       int                     `json:"pending"`
	Recent        []Job                   `json:"recent"`
}

// Trigger queues admin operations and runs them one at a time against the
// updater webhook.
type Trigger struct {
	log    logrus.FieldLogger
	cfg    *config.UpdaterConfig
	client *http.Client
	pacer  poll.Pacer

	queue   *ring_buffer.RingBuffer[Job]
	history *ring_buffer.RingBuffer[Job]

	mu   sync.Mutex
	last map[Operation]time.Time
	now  func() time.Time
}

func NewTrigger(log logrus.FieldLogger, cfg *config.UpdaterConfig) *Trigger {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	return &Trigger{
		log:     log,
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.Timeout)},
		pacer:   poll.NewPacer(time.Duration(cfg.MinDelay), time.Duration(cfg.MaxDelay)),
		queue:   ring_buffer.NewRingBuffer[Job](size),
		history: ring_buffer.NewRingBuffer[Job](historySize),
		last:    make(map[Operation]time.Time),
		now:     time.Now,
	}
}

// Enqueue records the request and hands it to the worker.
func (t *Trigger) Enqueue(op Operation) (Job, error) {
	now := t.now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		Operation: op,
		State:     JobQueued,
		QueuedAt:  now,
	}
	if err := t.queue.Offer(job); err != nil {
		if errors.Is(err, ring_buffer.ErrFull) {
			return Job{}, ErrQueueFull
		}
		return Job{}, err
	}

	t.mu.Lock()
	t.last[op] = now
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"operation": op, "job": job.ID}).Info("Update job queued")
	return job, nil
}

func (t *Trigger) Status() Status {
	t.mu.Lock()
	last := make(map[Operation]time.Time, len(t.last))
	for k, v := range t.last {
		last[k] = v
	}
	t.mu.Unlock()

	recent := t.history.Snapshot()
	// newest first
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return Status{LastTriggered: last, Pending: t.queue.Len(), Recent: recent}
}

// Run processes queued jobs until ctx is canceled.
func (t *Trigger) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.queue.Stop()
	}()

	t.log.Info("Update worker started")
	defer t.log.Info("Update worker stopped")
	for {
		job, err := t.queue.Pop()
		if err != nil {
			return nil
		}
		t.execute(ctx, job)
	}
}

func (t *Trigger) execute(ctx context.Context, job Job) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName+"/updater", string(job.Operation))
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	log := t.log.WithFields(logrus.Fields{"operation": job.Operation, "job": job.ID})

	if t.cfg.URL == "" {
		job.State = JobSkipped
		log.Warn("No updater URL configured, skipping job")
		t.finish(job)
		return
	}

	job.State = JobRunning
	backoff := poll.Config{
		BaseDelay:    time.Duration(t.cfg.MinDelay),
		Factor:       2,
		MaxDelay:     4 * time.Duration(t.cfg.MaxDelay),
		MaxSteps:     max(t.cfg.MaxRetries, 1),
		JitterFactor: 0.1,
	}
	var lastErr error
	err := poll.BackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if err := t.pacer.Wait(ctx); err != nil {
			return false, err
		}
		job.Attempts++
		retry, err := t.post(ctx, job)
		if err == nil {
			return true, nil
		}
		if !retry {
			return false, err
		}
		lastErr = err
		log.WithError(err).Warnf("Updater call failed, attempt %d", job.Attempts)
		return false, nil
	})
	if errors.Is(err, poll.ErrMaxSteps) && lastErr != nil {
		err = fmt.Errorf("%w: %w", err, lastErr)
	}

	if err != nil {
		job.State = JobFailed
		job.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Error("Update job failed")
	} else {
		job.State = JobSucceeded
		log.WithField("attempts", job.Attempts).Info("Update job finished")
	}
	t.finish(job)
}

func (t *Trigger) finish(job Job) {
	done := t.now().UTC()
	job.FinishedAt = &done
	_ = t.history.Push(job)
}

type updateRequest struct {
	Operation   Operation `json:"operation"`
	JobID       string    `json:"jobId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// post calls the webhook once. The bool reports whether the failure is
// worth retrying.
func (t *Trigger) post(ctx context.Context, job Job) (bool, error) {
	body, err := json.Marshal(updateRequest{Operation: job.Operation, JobID: job.ID, RequestedAt: job.QueuedAt})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("updater responded %s", resp.Status)
	default:
		return false, fmt.Errorf("updater rejected job: %s", resp.Status)
	}
}
