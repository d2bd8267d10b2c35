package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher delivers a batch of prediction items.
type Publisher interface {
	Publish(ctx context.Context, items []json.RawMessage) error
}

// Publishers fans a batch out to every publisher. All of them are tried and
// their errors are joined.
type Publishers []Publisher

func (p Publishers) Publish(ctx context.Context, items []json.RawMessage) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, items); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriterPublisher writes each batch as a single JSON line. It is used for
// dry runs.
type WriterPublisher struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

func (p *WriterPublisher) Publish(_ context.Context, items []json.RawMessage) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return json.NewEncoder(p.w).Encode(applyRequest{Items: items})
}

// DirPublisher stores every batch as a file in a directory.
type DirPublisher struct {
	root *os.Root
	now  func() time.Time
}

func NewDirPublisher(dir string) (*DirPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating publish dir: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening publish dir: %w", err)
	}
	return &DirPublisher{root: root, now: time.Now}, nil
}

func (p *DirPublisher) Close() error {
	return p.root.Close()
}

func (p *DirPublisher) Publish(_ context.Context, items []json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	raw, err := json.MarshalIndent(applyRequest{Items: items}, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("predictions-%s-%s.json",
		p.now().UTC().Format("20060102T150405.000Z"),
		uuid.NewString()[:8])
	if err := p.root.WriteFile(name, raw, 0o644); err != nil {
		return fmt.Errorf("storing predictions: %w", err)
	}
	return nil
}
