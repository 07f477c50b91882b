package models

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageCost is the USD cost of producing one assistant message, split by
// prompt and completion tokens. Absent until a usage report arrives.
type MessageCost struct {
	PromptUSD     float64 `json:"prompt_usd"`
	CompletionUSD float64 `json:"completion_usd"`
}

// Message is one turn in a conversation. Content of the in-flight assistant
// message is mutated in place while a stream is running; at most one message
// per session is in flight at any time.
type Message struct {
	Role       Role         `json:"role"`
	Content    string       `json:"content"`
	PromptName *string      `json:"prompt_name,omitempty"`
	ModelName  *string      `json:"model_name,omitempty"`
	Cost       *MessageCost `json:"cost,omitempty"`
}

// SystemPrompt is a named reusable instruction text. Prompts live in a shared
// catalog (loaded from the config file, hence the mapstructure tags) and are
// referenced by name; a dangling reference degrades to "no prompt" rather
// than failing.
type SystemPrompt struct {
	Name   string `json:"name" mapstructure:"name"`
	Prompt string `json:"prompt" mapstructure:"prompt"`
}
