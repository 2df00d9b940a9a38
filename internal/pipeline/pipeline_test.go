package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"astroseq/internal/mode"
)

type stubBuilder struct {
	block chan struct{}
	fail  int
}

func (b *stubBuilder) Build(ctx context.Context, req mode.BuildRequest) (string, error) {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if req.Item == b.fail {
		return "", errors.New("stacking failed")
	}
	return fmt.Sprintf("item-%d.yaml", req.Item), nil
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, p *Pipeline) Result {
	t.Helper()
	select {
	case res := <-p.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no build result")
	}
	return Result{}
}

func TestPipelineDeliversResults(t *testing.T) {
	p := New(context.Background(), 1, &stubBuilder{fail: 2}, quietLog())
	defer p.Stop()

	for i := 1; i <= 2; i++ {
		if err := p.Submit(Job{ID: int64(i), RunID: "run", Request: mode.BuildRequest{Item: i}}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	first := receive(t, p)
	if first.Error != nil || first.Path != "item-1.yaml" || first.Job.ID != 1 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second := receive(t, p)
	if second.Error == nil || second.Job.RunID != "run" {
		t.Fatalf("expected failed second build, got %+v", second)
	}
}

func TestPipelineRejectsWhenFull(t *testing.T) {
	b := &stubBuilder{block: make(chan struct{})}
	p := New(context.Background(), 1, b, quietLog())
	defer p.Stop()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = p.Submit(Job{ID: int64(i), Request: mode.BuildRequest{Item: i + 10}})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(b.block)
}

func TestPipelineStopCancelsBuilds(t *testing.T) {
	b := &stubBuilder{block: make(chan struct{})}
	p := New(context.Background(), 2, b, quietLog())
	if err := p.Submit(Job{ID: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not cancel the running build")
	}

	if err := p.Submit(Job{ID: 2}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
