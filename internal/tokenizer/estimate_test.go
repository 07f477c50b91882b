package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomatic/tomatic-backend/internal/models"
)

func TestEstimateHeuristicFallback(t *testing.T) {
	// No encoding loaded: the byte heuristic applies.
	e := &Estimator{}

	messages := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
	}

	// 4 overhead + ceil(5/4) content + ceil(4/4) role.
	assert.Equal(t, 7, e.Estimate(messages))
}

func TestEstimateEmptyHistory(t *testing.T) {
	e := &Estimator{}
	assert.Zero(t, e.Estimate(nil))
}

func TestEstimateGrowsWithHistory(t *testing.T) {
	e := New("openai/gpt-4o")

	short := []models.Message{{Role: models.RoleUser, Content: "hi"}}
	long := append(short, models.Message{
		Role:    models.RoleAssistant,
		Content: "a considerably longer reply with many more words in it",
	})

	assert.Greater(t, e.Estimate(long), e.Estimate(short))
}
