package runner

import (
	"bytes"
	"context"
	"sync"
)

// maxLine caps a single stderr line, longer lines are split.
const maxLine = 64 << 10

// lineWriter calls fn for every complete line written to it.
type lineWriter struct {
	mx  sync.Mutex
	ctx context.Context
	fn  StderrFunc
	buf []byte
}

func newLineWriter(ctx context.Context, fn StderrFunc) *lineWriter {
	return &lineWriter{ctx: ctx, fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.fn == nil {
		return len(p), nil
	}
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			if len(w.buf) >= maxLine {
				w.emit(w.buf)
				w.buf = w.buf[:0]
			}
			return len(p), nil
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.buf) > 0 && w.fn != nil {
		w.emit(w.buf)
	}
	w.buf = nil
}

func (w *lineWriter) emit(line []byte) {
	w.fn(w.ctx, string(bytes.TrimRight(line, "\r")))
}
