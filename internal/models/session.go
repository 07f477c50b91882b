package models

// ChatSession is the persistent unit of conversation state. Timestamps are
// milliseconds since epoch; CreatedAtMs never exceeds UpdatedAtMs. A session
// with zero messages is never persisted.
type ChatSession struct {
	SessionID   string    `json:"session_id"`
	Messages    []Message `json:"messages"`
	Name        *string   `json:"name,omitempty"`
	PromptName  *string   `json:"prompt_name,omitempty"`
	CreatedAtMs int64     `json:"created_at_ms"`
	UpdatedAtMs int64     `json:"updated_at_ms"`
}

// ModelInfo describes an available model with its per-million-token USD
// pricing. Pricing is nil when the backend does not report it; cost
// computation treats missing pricing as zero. Model entries can be seeded
// from the config file, hence the mapstructure tags.
type ModelInfo struct {
	ID                    string   `json:"id" mapstructure:"id"`
	Name                  string   `json:"name" mapstructure:"name"`
	PromptCostPerMTok     *float64 `json:"prompt_cost_usd_pm,omitempty" mapstructure:"prompt_cost_usd_pm"`
	CompletionCostPerMTok *float64 `json:"completion_cost_usd_pm,omitempty" mapstructure:"completion_cost_usd_pm"`
}
