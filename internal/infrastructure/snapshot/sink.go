// Package snapshot captures per-stage artifacts to disk for offline
// inspection. Writes are best-effort and asynchronous; the sink never fails
// a request and is never read back by the gateway.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/pkg/safego"
)

// Sink writes snapshots under
// <root>/<entryProtocol>/<providerKey>/<requestId>/<stage>.json and failure
// samples under <root>/errors/<kind>/<reason>/. A single writer goroutine
// drains an ordered queue, so per-request captures land in program order. A
// per-reason cap keeps the error tree bounded: the first samples up to the
// cap are kept and later ones for that reason are dropped.
type Sink struct {
	root         string
	perReasonCap int
	logger       *zap.Logger

	mu       sync.Mutex
	reasonCt map[string]int

	jobs chan writeJob
	once sync.Once
}

type writeJob struct {
	path string
	rec  Record
}

// Record is the persisted envelope.
type Record struct {
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Direction string    `json:"direction,omitempty"` // "req" | "resp"
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NewSink creates a sink rooted at dir. An empty dir disables capture.
func NewSink(dir string, perReasonCap int, logger *zap.Logger) *Sink {
	if perReasonCap <= 0 {
		perReasonCap = 250
	}
	return &Sink{
		root:         dir,
		perReasonCap: perReasonCap,
		logger:       logger.With(zap.String("component", "snapshot-sink")),
		reasonCt:     make(map[string]int),
		jobs:         make(chan writeJob, 256),
	}
}

// Enabled reports whether capture is configured.
func (s *Sink) Enabled() bool { return s != nil && s.root != "" }

// Capture persists one stage artifact asynchronously, in enqueue order.
func (s *Sink) Capture(requestID, entryProtocol, providerKey, stage, direction string, payload any) {
	if !s.Enabled() {
		return
	}
	name := stage + ".json"
	if direction == "resp" {
		name = stage + "-response.json"
	}
	s.enqueue(writeJob{
		path: filepath.Join(s.root, entryProtocol, providerKey, requestID, name),
		rec: Record{
			RequestID: requestID,
			Stage:     stage,
			Direction: direction,
			Timestamp: time.Now(),
			Payload:   payload,
		},
	})
}

// CaptureFailure persists a failure sample under errors/<kind>/<reason>/,
// respecting the per-reason cap.
func (s *Sink) CaptureFailure(kind, reason, requestID string, payload any) {
	if !s.Enabled() {
		return
	}
	key := kind + "/" + reason

	s.mu.Lock()
	if s.reasonCt[key] >= s.perReasonCap {
		s.mu.Unlock()
		return
	}
	s.reasonCt[key]++
	s.mu.Unlock()

	s.enqueue(writeJob{
		path: filepath.Join(s.root, "errors", kind, reason, requestID+".json"),
		rec: Record{
			RequestID: requestID,
			Stage:     kind,
			Timestamp: time.Now(),
			Payload:   payload,
		},
	})
}

// enqueue hands the job to the writer, dropping when the queue is full —
// capture must never block a request.
func (s *Sink) enqueue(job writeJob) {
	s.once.Do(func() {
		safego.Go(s.logger, "snapshot-writer", s.drain)
	})
	select {
	case s.jobs <- job:
	default:
		s.logger.Debug("Snapshot queue full, dropping", zap.String("path", job.path))
	}
}

func (s *Sink) drain() {
	for job := range s.jobs {
		s.write(job.path, job.rec)
	}
}

func (s *Sink) write(path string, rec Record) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Debug("Snapshot mkdir failed", zap.String("path", path), zap.Error(err))
		return
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Debug("Snapshot marshal failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		s.logger.Debug("Snapshot write failed", zap.String("path", path), zap.Error(err))
	}
}
