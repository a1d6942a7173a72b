package openaiwire

import "encoding/json"

// EmbeddingsRequest is the public embeddings request. Input is a string or
// an array of strings (token arrays pass through to OpenAI-compatible
// upstreams untyped).
type EmbeddingsRequest struct {
	Model          string          `json:"model,omitempty"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     *int            `json:"dimensions,omitempty"`
	User           string          `json:"user,omitempty"`
}

// InputStrings decodes Input as one string or a string array.
func (r *EmbeddingsRequest) InputStrings() ([]string, bool) {
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, true
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err == nil {
		return many, true
	}
	return nil, false
}

// EmbeddingsResponse is the public embeddings response.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Data   []Embedding     `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingsUsage `json:"usage"`
}

// Embedding is one vector in the response list.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsUsage is the embeddings token accounting block.
type EmbeddingsUsage struct {
	PromptTokens int64 `json:"prompt_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}
