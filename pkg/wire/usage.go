package wire

import "encoding/json"

// UnmarshalJSON accepts both camelCase (promptTokens) and snake_case
// (prompt_tokens) field names, since upstream providers are inconsistent
// and the spec requires projections to tolerate either.
func (u *Usage) UnmarshalJSON(data []byte) error {
	var raw struct {
		PromptTokens      int `json:"promptTokens"`
		PromptTokensSnake int `json:"prompt_tokens"`

		CompletionTokens      int `json:"completionTokens"`
		CompletionTokensSnake int `json:"completion_tokens"`

		TotalTokens      int `json:"totalTokens"`
		TotalTokensSnake int `json:"total_tokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	u.PromptTokens = firstNonZero(raw.PromptTokens, raw.PromptTokensSnake)
	u.CompletionTokens = firstNonZero(raw.CompletionTokens, raw.CompletionTokensSnake)
	u.TotalTokens = firstNonZero(raw.TotalTokens, raw.TotalTokensSnake)
	return nil
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
