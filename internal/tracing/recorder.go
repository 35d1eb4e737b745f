// Package tracing records runtime execution traces of builds and the preview
// server using the runtime/trace FlightRecorder.
package tracing

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/trace"
	"sync"
	"time"
)

// DefaultBufferSize is the default size of the trace ring buffer (10MB).
const DefaultBufferSize = 10 * 1024 * 1024

// ErrNotEnabled is returned when a snapshot is requested from a recorder that
// is not running.
var ErrNotEnabled = errors.New("tracing not enabled")

// Recorder keeps the most recent part of the execution trace in memory.
// A nil *Recorder is valid and always disabled.
type Recorder struct {
	mu sync.Mutex
	fr *trace.FlightRecorder
}

// Start starts a recorder keeping at least minAge of trace data within
// bufferSize bytes. Zero values select the defaults.
func Start(bufferSize int, minAge time.Duration) (*Recorder, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if minAge <= 0 {
		minAge = 30 * time.Second
	}

	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   minAge,
		MaxBytes: uint64(bufferSize),
	})
	if err := fr.Start(); err != nil {
		return nil, fmt.Errorf("start flight recorder: %w", err)
	}
	return &Recorder{fr: fr}, nil
}

// Enabled reports whether the recorder is running.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fr != nil
}

// Snapshot writes the buffered trace to w. The output is readable by
// `go tool trace`.
func (r *Recorder) Snapshot(w io.Writer) error {
	if r == nil {
		return ErrNotEnabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr == nil {
		return ErrNotEnabled
	}
	_, err := r.fr.WriteTo(w)
	return err
}

// WriteFile writes a snapshot to path.
func (r *Recorder) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace file: %w", err)
	}
	if err := r.Snapshot(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Stop stops the recorder. It is safe to call Stop more than once.
func (r *Recorder) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fr != nil {
		r.fr.Stop()
		r.fr = nil
	}
}
