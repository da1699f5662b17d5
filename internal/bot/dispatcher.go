package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
)

// Router handles one inbound message end to end.
type Router interface {
	Dispatch(ctx context.Context, resp models.Response) error
}

// dispatcher fans inbound messages out to one ordered worker per
// sender, so a slow plan generation for one user never delays another
// user, while each user's own messages stay in order.
type dispatcher struct {
	router  Router
	timeout time.Duration
	mu      sync.Mutex
	queues  map[string]chan models.Response
}

func newDispatcher(router Router) *dispatcher {
	return &dispatcher{
		router:  router,
		timeout: DefaultResponseTimeout,
		queues:  make(map[string]chan models.Response),
	}
}

func (d *dispatcher) enqueue(ctx context.Context, resp models.Response) {
	d.mu.Lock()
	q, ok := d.queues[resp.From]
	if !ok {
		q = make(chan models.Response, userQueueSize)
		d.queues[resp.From] = q
		go d.worker(ctx, q)
	}
	d.mu.Unlock()

	select {
	case q <- resp:
	default:
		slog.Warn("Bot user queue full, dropping message", "from", resp.From)
	}
}

func (d *dispatcher) worker(ctx context.Context, q <-chan models.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-q:
			handleCtx, cancel := context.WithTimeout(ctx, d.timeout)
			if err := d.router.Dispatch(handleCtx, resp); err != nil {
				slog.Error("Bot dispatch failed", "from", resp.From, "error", err)
			}
			cancel()
		}
	}
}
