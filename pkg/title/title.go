// Package title generates short session titles as a detached side job.
// Title failures are logged and discarded; they never affect the main flow.
package title

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencouncil/councild/pkg/llm"
)

const titleMaxTokens = 64

// Completer is the blocking upstream surface the generator needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Generator produces session titles with a single blocking upstream call.
type Generator struct {
	client  Completer
	model   string
	timeout time.Duration
}

func NewGenerator(client Completer, model string, timeout time.Duration) *Generator {
	return &Generator{client: client, model: model, timeout: timeout}
}

// Generate runs the title prompt under the generator's own deadline. It is
// independent of any job context so job cancellation does not kill a title
// that is already in flight.
func (g *Generator) Generate(prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	result, err := g.client.Complete(ctx, llm.Request{
		Model:     g.model,
		Messages:  []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: titleMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(result.Content)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("title generation returned empty text")
	}
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	return title, nil
}
