package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/genji/internal/concurrency"
)

// Record is one telemetry data point for a tool dispatch.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	ToolName       string    `json:"tool_name"`
	ConversationID string    `json:"conversation_id,omitempty"`
	BatchID        string    `json:"batch_id,omitempty"`
	Success        bool      `json:"success"`
	ErrorCategory  string    `json:"error_category,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
}

// Sink receives flushed batches. A failed flush returns an error and the
// recorder re-queues the batch up to its backlog bound.
type Sink interface {
	Flush(records []Record) error
}

// Recorder buffers records and flushes either when the batch fills or on a
// fixed interval, whichever comes first. Record never blocks the caller.
type Recorder struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration

	inbox chan Record
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	backlog []Record
}

// NewRecorder starts the flush worker. Close must be called to drain.
func NewRecorder(sink Sink, batchSize int, flushInterval time.Duration) *Recorder {
	if batchSize <= 0 {
		batchSize = 20
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	r := &Recorder{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		inbox:         make(chan Record, batchSize*4),
		quit:          make(chan struct{}),
	}
	r.wg.Add(1)
	concurrency.SafeGo(r.run, nil)
	return r
}

// Record enqueues one data point. Drops on a full inbox rather than blocking
// tool execution.
func (r *Recorder) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	select {
	case r.inbox <- rec:
	default:
		slog.Warn("Telemetry inbox full, dropping record", "tool", rec.ToolName)
	}
}

// Close stops the worker and flushes whatever is buffered.
func (r *Recorder) Close() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flushBatch(batch)
		batch = make([]Record, 0, r.batchSize)
	}

	for {
		select {
		case rec := <-r.inbox:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.quit:
			for {
				select {
				case rec := <-r.inbox:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) flushBatch(batch []Record) {
	r.mu.Lock()
	pending := append(r.backlog, batch...)
	r.backlog = nil
	r.mu.Unlock()

	if err := r.sink.Flush(pending); err != nil {
		slog.Warn("Telemetry flush failed, re-queueing", "records", len(pending), "error", err)
		r.mu.Lock()
		// Keep at most 2x batch size; oldest records go first.
		max := r.batchSize * 2
		if len(pending) > max {
			pending = pending[len(pending)-max:]
		}
		r.backlog = pending
		r.mu.Unlock()
	}
}

// BacklogLen reports how many records await a retry flush.
func (r *Recorder) BacklogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backlog)
}

// SlogSink writes flushed batches to the structured log, one line per batch.
// The default sink when no external collector is configured.
type SlogSink struct{}

func (SlogSink) Flush(records []Record) error {
	var failures int
	for _, rec := range records {
		if !rec.Success {
			failures++
		}
	}
	slog.Debug("Telemetry batch flushed", "records", len(records), "failures", failures)
	return nil
}
