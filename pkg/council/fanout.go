package council

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opencouncil/councild/pkg/llm"
)

// flushInterval is the per-model delta coalescing cadence. Contiguous deltas
// from one model are buffered and flushed together; the first delta after a
// flush goes out immediately once the interval has elapsed. A ticker flushes
// the buffered tail of a stream that goes quiet without closing.
const flushInterval = 50 * time.Millisecond

// UpstreamClient is the gateway surface the orchestrator and fan-out need.
type UpstreamClient interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Result, error)
	CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error)
}

// TaggedEvent is one item of the merged fan-out sequence: either a coalesced
// delta for a model, or that model's terminal with timing and token counts.
// A model that errors produces no terminal; its deltas up to the failure
// remain emitted.
type TaggedEvent struct {
	Model      string
	Delta      string
	Done       bool
	DurationMs int64
	Usage      *llm.Usage
}

// FanOut streams the same messages to every model concurrently and merges the
// results. Per model, delta order is preserved and the terminal follows all
// deltas; across models the interleaving is undefined. The returned channel
// closes when every stream has finished or the context is cancelled.
func FanOut(ctx context.Context, client UpstreamClient, modelIDs []string, messages []llm.ChatMessage, maxTokens int, timeout time.Duration) <-chan TaggedEvent {
	out := make(chan TaggedEvent, 64)

	var g errgroup.Group
	for _, modelID := range modelIDs {
		g.Go(func() error {
			streamModel(ctx, client, modelID, messages, maxTokens, timeout, out)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

func streamModel(ctx context.Context, client UpstreamClient, modelID string, messages []llm.ChatMessage, maxTokens int, timeout time.Duration, out chan<- TaggedEvent) {
	streamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	events, err := client.CompleteStream(streamCtx, llm.Request{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return
	}

	var buf string
	var lastFlush time.Time
	flush := func() bool {
		if buf == "" {
			return true
		}
		select {
		case out <- TaggedEvent{Model: modelID, Delta: buf}:
			buf = ""
			lastFlush = time.Now()
			return true
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = flush()
				return
			}
			switch {
			case ev.Err != nil:
				// Partial deltas stay emitted; no terminal for a failed model.
				_ = flush()
				return
			case ev.Done:
				if !flush() {
					return
				}
				select {
				case out <- TaggedEvent{
					Model:      modelID,
					Done:       true,
					DurationMs: time.Since(started).Milliseconds(),
					Usage:      ev.Usage,
				}:
				case <-ctx.Done():
				}
				return
			case ev.Delta != "":
				buf += ev.Delta
				if time.Since(lastFlush) >= flushInterval {
					if !flush() {
						return
					}
				}
			}
		case <-ticker.C:
			// A stalled upstream must not hold its last chunk back.
			if !flush() {
				return
			}
		}
	}
}
