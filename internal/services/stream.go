package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tomatic/tomatic-backend/internal/models"
	"github.com/tomatic/tomatic-backend/internal/providers"
)

// Outcome is the terminal state of one streamed request.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// MessageSink receives ordered mutations of the in-flight assistant message.
// All calls for one Run happen from a single goroutine, in stream order.
type MessageSink interface {
	// AppendAssistant adds the empty placeholder assistant message.
	AppendAssistant(promptName *string, modelName string)
	// SetAssistantContent replaces the placeholder's visible content.
	SetAssistantContent(content string)
	// SetAssistantCost records the usage-derived cost on the placeholder.
	SetAssistantCost(cost models.MessageCost)
	// RemoveAssistant discards the placeholder entirely.
	RemoveAssistant()
}

// flushInterval bounds how often streamed content becomes UI-visible. The
// first delta always flushes immediately so perceived latency stays low.
const flushInterval = 200 * time.Millisecond

var (
	errEmptyHistory = errors.New("cannot stream from an empty history")
	errHistoryTail  = errors.New("history must end with a user message")
)

// StreamCoordinator drives one streamed model request to completion,
// cancellation, or failure. It owns the flush throttling and usage-based cost
// accounting.
type StreamCoordinator struct {
	provider providers.Provider
	logger   *logrus.Logger
	now      func() time.Time
	interval time.Duration
}

// NewStreamCoordinator creates a coordinator bound to one provider.
func NewStreamCoordinator(provider providers.Provider, logger *logrus.Logger) *StreamCoordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &StreamCoordinator{
		provider: provider,
		logger:   logger,
		now:      time.Now,
		interval: flushInterval,
	}
}

// Run streams one completion for history into sink. The placeholder assistant
// message appended at the start is the only message mutated for the duration
// of the call. A cancel signal discards the placeholder and wins any race
// against stream progress; no partial content survives cancellation or
// failure.
func (c *StreamCoordinator) Run(
	ctx context.Context,
	history []models.Message,
	model models.ModelInfo,
	temperature *float32,
	promptName *string,
	cancel <-chan struct{},
	sink MessageSink,
) (Outcome, error) {
	if len(history) == 0 {
		return OutcomeFailed, errEmptyHistory
	}
	if history[len(history)-1].Role != models.RoleUser {
		return OutcomeFailed, errHistoryTail
	}

	sink.AppendAssistant(promptName, model.ID)

	// A derived context so user cancellation also tears down the network
	// stream.
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	req := providers.CompletionRequest{
		Messages:    toWireMessages(history),
		Model:       model.ID,
		Temperature: temperature,
	}

	chunks, err := c.provider.StreamComplete(streamCtx, req)
	if err != nil {
		sink.RemoveAssistant()
		return OutcomeFailed, err
	}

	var committed, buffer strings.Builder
	var lastFlush time.Time
	flushedOnce := false

	flush := func() {
		committed.WriteString(buffer.String())
		buffer.Reset()
		sink.SetAssistantContent(committed.String())
		lastFlush = c.now()
		flushedOnce = true
	}

	for {
		select {
		case <-cancel:
			c.logger.Info("stream cancelled by user")
			sink.RemoveAssistant()
			return OutcomeCancelled, nil

		case chunk, ok := <-chunks:
			if !ok {
				// Stream finished.
				if buffer.Len() > 0 {
					flush()
				}
				return OutcomeCompleted, nil
			}

			switch {
			case chunk.Error != "":
				sink.RemoveAssistant()
				return OutcomeFailed, errors.New(chunk.Error)

			case chunk.Usage != nil:
				// Usage must never be visible before the content that
				// preceded it in the stream.
				if buffer.Len() > 0 {
					flush()
				}
				sink.SetAssistantCost(computeCost(*chunk.Usage, model))

			case chunk.Delta != "":
				buffer.WriteString(chunk.Delta)
				if !flushedOnce || c.now().Sub(lastFlush) >= c.interval {
					flush()
				}
			}
		}
	}
}

func toWireMessages(history []models.Message) []providers.ChatMessage {
	out := make([]providers.ChatMessage, len(history))
	for i, msg := range history {
		out[i] = providers.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	return out
}

// computeCost converts a usage report into USD using per-million-token
// pricing. Missing pricing yields a zero cost, never an error.
func computeCost(usage providers.Usage, model models.ModelInfo) models.MessageCost {
	var cost models.MessageCost
	if model.PromptCostPerMTok != nil {
		cost.PromptUSD = *model.PromptCostPerMTok * float64(usage.PromptTokens) / 1_000_000
	}
	if model.CompletionCostPerMTok != nil {
		cost.CompletionUSD = *model.CompletionCostPerMTok * float64(usage.CompletionTokens) / 1_000_000
	}
	return cost
}
