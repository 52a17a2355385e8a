// Package council drives the three-stage deliberation protocol: parallel
// individual answers, anonymized peer ranking, and chairman synthesis.
package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencouncil/councild/pkg/config"
	"github.com/opencouncil/councild/pkg/llm"
	"github.com/opencouncil/councild/pkg/models"
	"github.com/opencouncil/councild/pkg/store"
	"github.com/opencouncil/councild/pkg/title"
)

const (
	msgSessionNotFound = "Session not found"
	msgAllModelsFailed = "All models failed to respond. Please try again."
	msgChairmanFailed  = "Chairman failed to synthesize response."

	persistTimeout = 10 * time.Second
)

// Orchestrator runs council jobs. One Process call is one job; events are
// produced on the returned channel and the channel is closed when the job
// ends, whether by completion, error, or cancellation.
type Orchestrator struct {
	cfg    *config.Config
	store  store.Store
	client UpstreamClient
	titles *title.Generator // nil disables title generation
}

func New(cfg *config.Config, st store.Store, client UpstreamClient, titles *title.Generator) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: st, client: client, titles: titles}
}

// Input identifies one job.
type Input struct {
	UserID    string
	SessionID string
	Content   string
	Mode      models.Mode
}

// Process starts the job on a detached producer goroutine. Cancellation of
// ctx is observed at every emission boundary; on cancellation the producer
// persists partial results and closes the channel without a terminal event.
func (o *Orchestrator) Process(ctx context.Context, in Input) <-chan models.Event {
	out := make(chan models.Event, 64)
	go o.run(ctx, in, out)
	return out
}

type modelMeta struct {
	durationMs int64
	usage      *llm.Usage
}

func (o *Orchestrator) run(ctx context.Context, in Input, out chan<- models.Event) {
	defer close(out)
	log := slog.With("user_id", in.UserID, "session_id", in.SessionID, "mode", in.Mode)

	sess, err := o.store.GetSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			out <- models.Event{Type: models.EventError, Message: msgSessionNotFound}
		} else {
			log.Error("session lookup failed", "error", err)
			out <- models.Event{Type: models.EventError, Message: err.Error()}
		}
		return
	}

	// Detached title job for the first message; its result is injected into
	// the event stream between regular emissions, whenever it lands. The
	// channel is closed by the title goroutine whether or not it produced a
	// title, so the pending flag always resolves.
	titleCh := make(chan string, 1)
	titlePending := o.titles != nil && len(sess.Messages) == 0
	if titlePending {
		go o.generateTitle(in, titleCh, log)
	}
	// A title landing between the last regular emission and channel close
	// still goes out; the producer channel closes after this drain.
	defer func() {
		if !titlePending {
			return
		}
		select {
		case t, ok := <-titleCh:
			if ok {
				out <- models.Event{Type: models.EventTitleComplete, Title: t}
			}
		default:
		}
	}()

	emit := func(ev models.Event) {
		if titlePending {
			select {
			case t, ok := <-titleCh:
				titlePending = false
				if ok {
					out <- models.Event{Type: models.EventTitleComplete, Title: t}
				}
			default:
			}
		}
		out <- ev
	}

	history := buildHistory(sess.Messages, o.cfg.RecentMessages)
	participants := o.cfg.Participants(in.Mode)

	// ── Stage 1: individual answers ──────────────────────────────────────

	emit(models.Event{Type: models.EventStage1Start})

	stage1Msgs := make([]llm.ChatMessage, 0, len(history)+2)
	stage1Msgs = append(stage1Msgs, llm.ChatMessage{Role: llm.RoleSystem, Content: stage1SystemPrompt})
	stage1Msgs = append(stage1Msgs, history...)
	stage1Msgs = append(stage1Msgs, llm.ChatMessage{Role: llm.RoleUser, Content: in.Content})

	contents, metas, cancelled := o.consumeFanOut(ctx, emit, participants, stage1Msgs, o.cfg.ParticipantMaxTokens, o.cfg.Stage1Timeout, models.Stage1)
	if cancelled {
		o.persistPartial(log, in, stage1FromAccumulators(participants, contents, metas), nil, nil)
		return
	}

	var stage1Order []string
	for _, m := range participants {
		if contents[m] != "" {
			stage1Order = append(stage1Order, m)
		}
	}
	if len(stage1Order) == 0 {
		log.Warn("all participants failed in stage 1")
		emit(models.Event{Type: models.EventError, Message: msgAllModelsFailed})
		return
	}

	stage1Answers := make([]models.Stage1Answer, 0, len(stage1Order))
	for _, m := range stage1Order {
		prompt, completion := tokenPtrs(metas[m].usage)
		answer := models.Stage1Answer{
			Model:            m,
			Response:         contents[m],
			ResponseMs:       metas[m].durationMs,
			PromptTokens:     prompt,
			CompletionTokens: completion,
		}
		stage1Answers = append(stage1Answers, answer)
		emit(models.Event{Type: models.EventStage1Response, Answer: &answer})
		if ctx.Err() != nil {
			o.persistPartial(log, in, stage1Answers, nil, nil)
			return
		}
	}
	emit(models.Event{Type: models.EventStage1Complete})

	// ── Stage 2: anonymized peer ranking ─────────────────────────────────

	labels := make([]string, len(stage1Order))
	labelToModel := make(map[string]string, len(stage1Order))
	answersByLabel := make(map[string]string, len(stage1Order))
	for i, m := range stage1Order {
		label := fmt.Sprintf("Response %c", 'A'+i)
		labels[i] = label
		labelToModel[label] = m
		answersByLabel[label] = contents[m]
	}

	emit(models.Event{Type: models.EventStage2Start})

	rankingMsgs := []llm.ChatMessage{{Role: llm.RoleUser, Content: buildRankingPrompt(in.Content, labels, answersByLabel)}}
	rankTexts, rankMetas, cancelled := o.consumeFanOut(ctx, emit, participants, rankingMsgs, o.cfg.ParticipantMaxTokens, o.cfg.Stage2Timeout, models.Stage2)
	if cancelled {
		o.persistPartial(log, in, stage1Answers, stage2FromAccumulators(participants, rankTexts, rankMetas), nil)
		return
	}

	var reviews []models.Stage2Review
	for _, m := range participants {
		if rankTexts[m] == "" {
			continue
		}
		prompt, completion := tokenPtrs(rankMetas[m].usage)
		review := models.Stage2Review{
			Model:            m,
			Ranking:          rankTexts[m],
			ParsedRanking:    ParseRanking(rankTexts[m]),
			ResponseMs:       rankMetas[m].durationMs,
			PromptTokens:     prompt,
			CompletionTokens: completion,
		}
		reviews = append(reviews, review)
		emit(models.Event{Type: models.EventStage2Response, Review: &review})
		if ctx.Err() != nil {
			o.persistPartial(log, in, stage1Answers, reviews, nil)
			return
		}
	}

	parsed := make([][]string, len(reviews))
	for i, r := range reviews {
		parsed[i] = r.ParsedRanking
	}
	aggregate := AggregateRankings(parsed, labels, labelToModel)
	emit(models.Event{Type: models.EventStage2Complete, LabelToModel: labelToModel, Aggregate: aggregate})

	// ── Stage 3: chairman synthesis ──────────────────────────────────────

	emit(models.Event{Type: models.EventStage3Start})

	evaluations := make([]string, len(reviews))
	for i, r := range reviews {
		evaluations[i] = r.Ranking
	}

	chairman := o.cfg.Chairman(in.Mode)
	streamCtx, cancelStream := context.WithTimeout(ctx, o.cfg.Stage3Timeout)
	defer cancelStream()

	started := time.Now()
	stream, err := o.client.CompleteStream(streamCtx, llm.Request{
		Model: chairman,
		Messages: []llm.ChatMessage{{
			Role:    llm.RoleUser,
			Content: buildChairmanPrompt(in.Content, labels, answersByLabel, evaluations),
		}},
		MaxTokens: o.cfg.ChairmanMaxTokens,
		Reasoning: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			o.persistPartial(log, in, stage1Answers, reviews, nil)
			return
		}
		log.Error("chairman stream failed to open", "chairman", chairman, "error", err)
		emit(models.Event{Type: models.EventError, Message: msgChairmanFailed})
		return
	}

	var content, reasoning string
	var usage *llm.Usage
	var streamErr error
	for ev := range stream {
		if ev.Err != nil {
			streamErr = ev.Err
			break
		}
		if ev.Reasoning != "" {
			reasoning += ev.Reasoning
			emit(models.Event{Type: models.EventStage3ReasoningChunk, Delta: ev.Reasoning})
		}
		if ev.Delta != "" {
			content += ev.Delta
			emit(models.Event{Type: models.EventStage3Chunk, Delta: ev.Delta})
		}
		if ev.Done {
			usage = ev.Usage
		}
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		o.persistPartial(log, in, stage1Answers, reviews, partialSynthesis(chairman, content, reasoning))
		return
	}
	if streamErr != nil || content == "" {
		log.Error("chairman synthesis failed", "chairman", chairman, "error", streamErr)
		emit(models.Event{Type: models.EventError, Message: msgChairmanFailed})
		return
	}

	prompt, completion := tokenPtrs(usage)
	synthesis := &models.Stage3Synthesis{
		Model:            chairman,
		Response:         content,
		Reasoning:        reasoning,
		ResponseMs:       time.Since(started).Milliseconds(),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		ReasoningTokens:  reasoningTokenPtr(usage),
	}
	emit(models.Event{Type: models.EventStage3Response, Synthesis: synthesis})

	// ── Completion: one atomic append of the user and assistant turns ────

	now := time.Now().UTC()
	persistCtx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelPersist()
	err = o.store.AppendMessages(persistCtx, in.UserID, in.SessionID,
		models.Message{Role: models.RoleUser, Content: in.Content, Timestamp: now},
		models.Message{
			Role:      models.RoleAssistant,
			Timestamp: now,
			Stage1:    stage1Answers,
			Stage2:    reviews,
			Stage3:    synthesis,
			Mode:      in.Mode,
		})
	if err != nil {
		log.Error("failed to persist completed job", "error", err)
		emit(models.Event{Type: models.EventError, Message: err.Error()})
		return
	}

	emit(models.Event{Type: models.EventComplete})

	// On a completed run, wait for the title instead of racing it: the
	// generator is bounded by its own timeout, and a title that lands after
	// the terminal event must still reach the stream before it closes.
	if titlePending {
		titlePending = false
		if t, ok := <-titleCh; ok {
			out <- models.Event{Type: models.EventTitleComplete, Title: t}
		}
	}
}

// consumeFanOut runs one fan-out stage, forwarding chunk and model-complete
// events and accumulating per-model content. It reports cancellation; on
// cancellation the accumulators hold whatever had streamed so far.
func (o *Orchestrator) consumeFanOut(ctx context.Context, emit func(models.Event), participants []string, msgs []llm.ChatMessage, maxTokens int, timeout time.Duration, stage models.Stage) (map[string]string, map[string]modelMeta, bool) {
	chunkType, doneType := models.EventStage1Chunk, models.EventStage1ModelComplete
	if stage == models.Stage2 {
		chunkType, doneType = models.EventStage2Chunk, models.EventStage2ModelComplete
	}

	contents := make(map[string]string, len(participants))
	metas := make(map[string]modelMeta, len(participants))

	events := FanOut(ctx, o.client, participants, msgs, maxTokens, timeout)
	for ev := range events {
		if ctx.Err() != nil {
			continue // drain so workers can exit
		}
		if ev.Done {
			metas[ev.Model] = modelMeta{durationMs: ev.DurationMs, usage: ev.Usage}
			prompt, completion := tokenPtrs(ev.Usage)
			emit(models.Event{
				Type:             doneType,
				Model:            ev.Model,
				ResponseMs:       ev.DurationMs,
				PromptTokens:     prompt,
				CompletionTokens: completion,
			})
			continue
		}
		contents[ev.Model] += ev.Delta
		emit(models.Event{Type: chunkType, Model: ev.Model, Delta: ev.Delta})
	}
	return contents, metas, ctx.Err() != nil
}

// generateTitle runs the detached title job: generate, persist, inject.
// titleCh is closed on every path so waiters never hang on a failed job.
func (o *Orchestrator) generateTitle(in Input, titleCh chan<- string, log *slog.Logger) {
	defer close(titleCh)

	generated, err := o.titles.Generate(buildTitlePrompt(in.Content))
	if err != nil {
		log.Warn("title generation failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.UpdateTitle(ctx, in.UserID, in.SessionID, generated); err != nil {
		log.Warn("failed to persist title", "error", err)
		return
	}
	titleCh <- generated
}

// persistPartial writes an aborted assistant message iff stage 1 produced at
// least one answer. Called only on cancellation; never emits events.
func (o *Orchestrator) persistPartial(log *slog.Logger, in Input, stage1 []models.Stage1Answer, stage2 []models.Stage2Review, stage3 *models.Stage3Synthesis) {
	if len(stage1) == 0 {
		log.Info("job cancelled before any stage 1 answer; nothing to persist")
		return
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := o.store.AppendMessages(ctx, in.UserID, in.SessionID,
		models.Message{Role: models.RoleUser, Content: in.Content, Timestamp: now},
		models.Message{
			Role:       models.RoleAssistant,
			Timestamp:  now,
			Stage1:     stage1,
			Stage2:     stage2,
			Stage3:     stage3,
			Mode:       in.Mode,
			WasAborted: true,
		})
	if err != nil {
		log.Error("failed to persist partial results", "error", err)
		return
	}
	log.Info("persisted partial results after cancellation",
		"stage1_count", len(stage1), "stage2_count", len(stage2), "has_stage3", stage3 != nil)
}

// stage1FromAccumulators builds partial answers from interrupted streaming
// state. Empty entries are dropped; whitespace-only content is kept. Models
// whose terminal never arrived get ResponseMs 0.
func stage1FromAccumulators(participants []string, contents map[string]string, metas map[string]modelMeta) []models.Stage1Answer {
	var out []models.Stage1Answer
	for _, m := range participants {
		if contents[m] == "" {
			continue
		}
		prompt, completion := tokenPtrs(metas[m].usage)
		out = append(out, models.Stage1Answer{
			Model:            m,
			Response:         contents[m],
			ResponseMs:       metas[m].durationMs,
			PromptTokens:     prompt,
			CompletionTokens: completion,
		})
	}
	return out
}

func stage2FromAccumulators(participants []string, contents map[string]string, metas map[string]modelMeta) []models.Stage2Review {
	var out []models.Stage2Review
	for _, m := range participants {
		if contents[m] == "" {
			continue
		}
		prompt, completion := tokenPtrs(metas[m].usage)
		out = append(out, models.Stage2Review{
			Model:            m,
			Ranking:          contents[m],
			ParsedRanking:    ParseRanking(contents[m]),
			ResponseMs:       metas[m].durationMs,
			PromptTokens:     prompt,
			CompletionTokens: completion,
		})
	}
	return out
}

func partialSynthesis(chairman, content, reasoning string) *models.Stage3Synthesis {
	if content == "" && reasoning == "" {
		return nil
	}
	return &models.Stage3Synthesis{Model: chairman, Response: content, Reasoning: reasoning}
}

// buildHistory selects the recent conversation window: user turns and the
// final synthesized response of prior assistant turns. The window spans twice
// the configured limit so both sides contribute.
func buildHistory(messages []models.Message, recentLimit int) []llm.ChatMessage {
	window := messages
	if limit := 2 * recentLimit; len(window) > limit {
		window = window[len(window)-limit:]
	}

	var history []llm.ChatMessage
	for _, msg := range window {
		switch {
		case msg.Role == models.RoleUser && msg.Content != "":
			history = append(history, llm.ChatMessage{Role: llm.RoleUser, Content: msg.Content})
		case msg.Role == models.RoleAssistant && msg.Stage3 != nil && msg.Stage3.Response != "":
			history = append(history, llm.ChatMessage{Role: llm.RoleAssistant, Content: msg.Stage3.Response})
		}
	}
	return history
}

func tokenPtrs(u *llm.Usage) (prompt, completion *int) {
	if u == nil {
		return nil, nil
	}
	p, c := u.PromptTokens, u.CompletionTokens
	return &p, &c
}

func reasoningTokenPtr(u *llm.Usage) *int {
	if u == nil || u.ReasoningTokens == 0 {
		return nil
	}
	r := u.ReasoningTokens
	return &r
}
