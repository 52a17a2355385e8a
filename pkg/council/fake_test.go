package council

import (
	"context"
	"errors"
	"sync"

	"github.com/opencouncil/councild/pkg/llm"
)

// scriptedClient plays back per-model scripted stream events. Successive
// CompleteStream calls for the same model pop successive scripts, so stage 1
// and stage 2 can be scripted independently.
type scriptedClient struct {
	mu      sync.Mutex
	scripts map[string][][]llm.StreamEvent
	// openErr fails CompleteStream outright for a model (consumed once).
	openErr map[string]error
	// completeResult serves blocking Complete calls (title generation).
	completeResult *llm.Result
	completeErr    error
	// lastReq keeps the most recent CompleteStream request per model.
	lastReq map[string]llm.Request
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		scripts: make(map[string][][]llm.StreamEvent),
		openErr: make(map[string]error),
		lastReq: make(map[string]llm.Request),
	}
}

func (c *scriptedClient) lastRequest(model string) llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReq[model]
}

// script appends one streamed response for a model: the given deltas followed
// by a Done terminal.
func (c *scriptedClient) script(model string, events ...llm.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[model] = append(c.scripts[model], events)
}

func deltas(texts ...string) []llm.StreamEvent {
	events := make([]llm.StreamEvent, 0, len(texts)+1)
	for _, t := range texts {
		events = append(events, llm.StreamEvent{Delta: t})
	}
	return append(events, llm.StreamEvent{Done: true})
}

func (c *scriptedClient) Complete(_ context.Context, _ llm.Request) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completeErr != nil {
		return nil, c.completeErr
	}
	if c.completeResult != nil {
		return c.completeResult, nil
	}
	return nil, errors.New("no scripted completion")
}

func (c *scriptedClient) CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	c.mu.Lock()
	c.lastReq[req.Model] = req
	if err, ok := c.openErr[req.Model]; ok {
		delete(c.openErr, req.Model)
		c.mu.Unlock()
		return nil, err
	}
	queue := c.scripts[req.Model]
	if len(queue) == 0 {
		c.mu.Unlock()
		return nil, errors.New("no scripted stream for " + req.Model)
	}
	script := queue[0]
	c.scripts[req.Model] = queue[1:]
	c.mu.Unlock()

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range script {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// blockingClient streams the given deltas and then blocks until the context
// is cancelled, for cancellation tests.
type blockingClient struct {
	scriptedClient
	blockAfter map[string][]llm.StreamEvent
}

func newBlockingClient() *blockingClient {
	return &blockingClient{
		scriptedClient: *newScriptedClient(),
		blockAfter:     make(map[string][]llm.StreamEvent),
	}
}

func (c *blockingClient) CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.StreamEvent, error) {
	// Scripted responses are consumed first; once a model's scripts run out,
	// its blockAfter entry takes over.
	c.mu.Lock()
	if len(c.scripts[req.Model]) > 0 {
		c.mu.Unlock()
		return c.scriptedClient.CompleteStream(ctx, req)
	}
	events, ok := c.blockAfter[req.Model]
	if ok {
		delete(c.blockAfter, req.Model)
	}
	c.mu.Unlock()
	if !ok {
		return c.scriptedClient.CompleteStream(ctx, req)
	}

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}
