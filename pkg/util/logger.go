package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is a nop global logger
var Logger = log.NewNopLogger()

// NewLogger creates a leveled logger writing to w in the given format
// ("logfmt" or "json"). Entries below the level are dropped.
func NewLogger(w io.Writer, format, lvl string) (log.Logger, error) {
	var l log.Logger
	switch format {
	case "logfmt", "":
		l = log.NewLogfmtLogger(w)
	case "json":
		l = log.NewJSONLogger(w)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "info", "":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, fmt.Errorf("unsupported log level %q", lvl)
	}
	l = level.NewFilter(l, opt)
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

// AsyncWriter buffers writes and flushes them to the underlying writer
// from a background goroutine, in the order they were written. It is safe
// for concurrent use and never blocks on the underlying writer: when the
// flush queue is full, the current buffer keeps growing.
//
// Errors of the underlying writer are ignored.
type AsyncWriter struct {
	w             io.Writer
	bufSize       int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer *bytes.Buffer
	closed bool

	queue chan *bytes.Buffer
	pool  sync.Pool
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewAsyncWriter(w io.Writer, bufSize, maxBuffers int, flushInterval time.Duration) *AsyncWriter {
	aw := &AsyncWriter{
		w:             w,
		bufSize:       bufSize,
		flushInterval: flushInterval,
		queue:         make(chan *bytes.Buffer, maxBuffers),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		pool: sync.Pool{
			New: func() any { return bytes.NewBuffer(make([]byte, 0, bufSize)) },
		},
	}
	go aw.loop()
	return aw
}

func (aw *AsyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, os.ErrClosed
	}
	if aw.buffer != nil && aw.buffer.Len()+len(p) > aw.bufSize {
		aw.enqueue()
	}
	if aw.buffer == nil {
		aw.buffer = aw.pool.Get().(*bytes.Buffer)
		aw.buffer.Reset()
	}
	return aw.buffer.Write(p)
}

// enqueue must be called with mu held.
func (aw *AsyncWriter) enqueue() {
	if aw.buffer == nil || aw.buffer.Len() == 0 {
		return
	}
	select {
	case aw.queue <- aw.buffer:
		aw.buffer = nil
	default:
	}
}

// Close flushes all buffered writes. It is safe to call Close
// more than once.
func (aw *AsyncWriter) Close() error {
	aw.once.Do(func() {
		close(aw.stop)
		<-aw.done
		aw.mu.Lock()
		defer aw.mu.Unlock()
		aw.closed = true
		close(aw.queue)
		for b := range aw.queue {
			aw.flush(b)
		}
		if aw.buffer != nil {
			aw.flush(aw.buffer)
			aw.buffer = nil
		}
	})
	return nil
}

func (aw *AsyncWriter) loop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer func() {
		ticker.Stop()
		close(aw.done)
	}()
	for {
		select {
		case b := <-aw.queue:
			aw.flush(b)
		case <-ticker.C:
			aw.mu.Lock()
			aw.enqueue()
			aw.mu.Unlock()
		case <-aw.stop:
			return
		}
	}
}

func (aw *AsyncWriter) flush(b *bytes.Buffer) {
	_, _ = aw.w.Write(b.Bytes())
	aw.pool.Put(b)
}
