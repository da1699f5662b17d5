package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
)

type recordingRouter struct {
	mu      sync.Mutex
	byUser  map[string][]string
	started chan struct{}
	block   chan struct{}
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{
		byUser:  make(map[string][]string),
		started: make(chan struct{}, 16),
		block:   make(chan struct{}),
	}
}

func (r *recordingRouter) Dispatch(_ context.Context, resp models.Response) error {
	if resp.Body == "slow" {
		r.started <- struct{}{}
		<-r.block
	}
	r.mu.Lock()
	r.byUser[resp.From] = append(r.byUser[resp.From], resp.Body)
	r.mu.Unlock()
	r.started <- struct{}{}
	return nil
}

func (r *recordingRouter) messages(from string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.byUser[from]))
	copy(out, r.byUser[from])
	return out
}

func TestDispatcherKeepsPerUserOrder(t *testing.T) {
	router := newRecordingRouter()
	close(router.block)
	d := newDispatcher(router)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bodies := []string{"first", "second", "third"}
	for _, body := range bodies {
		d.enqueue(ctx, models.Response{From: "+420777000111", Body: body})
	}

	for i := 0; i < len(bodies); i++ {
		select {
		case <-router.started:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch did not complete")
		}
	}

	got := router.messages("+420777000111")
	for i, body := range bodies {
		if got[i] != body {
			t.Fatalf("messages out of order: %v", got)
		}
	}
}

func TestDispatcherIsolatesSlowUser(t *testing.T) {
	router := newRecordingRouter()
	d := newDispatcher(router)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.enqueue(ctx, models.Response{From: "+420777000111", Body: "slow"})
	select {
	case <-router.started:
	case <-time.After(2 * time.Second):
		t.Fatal("slow dispatch never started")
	}

	// The second user's message goes through while the first user's
	// worker is still blocked.
	d.enqueue(ctx, models.Response{From: "+420777000222", Body: "quick"})
	select {
	case <-router.started:
	case <-time.After(2 * time.Second):
		t.Fatal("second user was blocked behind the first")
	}
	if got := router.messages("+420777000222"); len(got) != 1 || got[0] != "quick" {
		t.Fatalf("unexpected messages for second user: %v", got)
	}

	close(router.block)
}
