package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Record
	fail    bool
}

func (s *captureSink) Flush(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("collector unavailable")
	}
	batch := make([]Record, len(records))
	copy(batch, records)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *captureSink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func TestRecorder_FlushesAtBatchSize(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, 5, time.Hour)
	defer r.Close()

	for i := 0; i < 5; i++ {
		r.Record(Record{ToolName: "read_file", Success: true})
	}

	require.Eventually(t, func() bool { return sink.total() == 5 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_FlushesOnInterval(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, 100, 30*time.Millisecond)
	defer r.Close()

	r.Record(Record{ToolName: "grep", Success: true})
	r.Record(Record{ToolName: "grep", Success: false, ErrorCategory: "ErrUnknownTool"})

	require.Eventually(t, func() bool { return sink.total() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_CloseDrainsBuffered(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, 100, time.Hour)

	for i := 0; i < 3; i++ {
		r.Record(Record{ToolName: "time", Success: true})
	}
	r.Close()

	assert.Equal(t, 3, sink.total())
}

func TestRecorder_FailedFlushRequeuesBounded(t *testing.T) {
	sink := &captureSink{fail: true}
	r := NewRecorder(sink, 2, time.Hour)
	defer r.Close()

	// Three failed flush cycles of 2 records each; backlog must cap at 2x batch.
	for i := 0; i < 6; i++ {
		r.Record(Record{ToolName: "exec_command"})
	}
	require.Eventually(t, func() bool { return r.BacklogLen() == 4 }, time.Second, 5*time.Millisecond)

	sink.setFail(false)
	r.Record(Record{ToolName: "exec_command"})
	r.Record(Record{ToolName: "exec_command"})

	require.Eventually(t, func() bool { return sink.total() == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.BacklogLen())
}

func TestRecorder_StampsTimestamp(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink, 1, time.Hour)
	defer r.Close()

	r.Record(Record{ToolName: "read_file", Success: true})
	require.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.False(t, sink.batches[0][0].Timestamp.IsZero())
}
