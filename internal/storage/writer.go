package storage

import (
	"context"
	"sync"

	"github.com/cjeanneret/bracketcam/internal/debug"
	"github.com/cjeanneret/bracketcam/internal/hw/device"
)

// Writer saves frames on its own goroutine so the capture worker never
// waits on the disk.
type Writer struct {
	store   *FrameStore
	frames  chan device.Frame
	done    chan struct{}
	onSaved func(Record, error)

	mu     sync.Mutex
	closed bool
}

// NewWriter starts a writer with room for buffer pending frames. onSaved,
// if not nil, runs on the writer goroutine after each save attempt.
func (s *FrameStore) NewWriter(buffer int, onSaved func(Record, error)) *Writer {
	if buffer <= 0 {
		buffer = 1
	}
	w := &Writer{
		store:   s,
		frames:  make(chan device.Frame, buffer),
		done:    make(chan struct{}),
		onSaved: onSaved,
	}
	go w.run()
	return w
}

// Enqueue hands f to the writer. It never blocks; it reports false when the
// queue is full or the writer is closed.
func (w *Writer) Enqueue(f device.Frame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.frames <- f:
		return true
	default:
		debug.Info("storage: writer queue full, dropping frame %d of burst %d", f.Tag.Index, f.Tag.Burst)
		return false
	}
}

// Close saves the frames still queued and stops the writer.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.frames)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for f := range w.frames {
		rec, err := w.store.Save(context.Background(), f)
		if err != nil {
			debug.Error(err)
		}
		if w.onSaved != nil {
			w.onSaved(rec, err)
		}
	}
}
