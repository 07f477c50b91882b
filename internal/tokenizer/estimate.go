package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/tomatic/tomatic-backend/internal/models"
)

// Estimator approximates the prompt size of a message list in tokens. The
// figure is advisory (shown alongside the session state), not billing data.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// New creates an estimator for the given model, falling back to cl100k_base
// for unknown models and to a byte heuristic when no encoding can be loaded.
func New(model string) *Estimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &Estimator{enc: enc}
}

// Estimate returns the approximate token count of the messages, including a
// small per-message framing overhead.
func (e *Estimator) Estimate(messages []models.Message) int {
	const perMessageOverhead = 4

	total := 0
	for _, msg := range messages {
		total += perMessageOverhead
		total += e.count(msg.Content)
		total += e.count(string(msg.Role))
	}
	return total
}

func (e *Estimator) count(text string) int {
	if e.enc == nil {
		// Rough heuristic when the encoding data is unavailable offline.
		return (len(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}
