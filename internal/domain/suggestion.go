package domain

// Suggestion is a starter prompt offered in an empty chat.
type Suggestion struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
	Icon   string `json:"icon,omitempty"`
}
