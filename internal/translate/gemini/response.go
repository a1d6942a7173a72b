package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
)

// MapFinishReason folds Gemini finish reasons into the public vocabulary:
// STOP→stop, MAX_TOKENS→length, SAFETY|RECITATION→content_filter, anything
// else lower-cased as-is.
func MapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	case "":
		// Stream chunks before the last carry no finishReason; treat the
		// absent value as a normal completion.
		return "stop"
	default:
		return strings.ToLower(reason)
	}
}

// CallID builds the stable tool-call id for a candidate/part position.
func CallID(candidateIndex, partIndex int) string {
	return fmt.Sprintf("gemini-call-%d-%d", candidateIndex, partIndex)
}

// RollUpUsage maps usageMetadata onto the public chat usage block.
func RollUpUsage(meta *UsageMetadata) *openaiwire.Usage {
	if meta == nil {
		return nil
	}
	out := &openaiwire.Usage{
		PromptTokens:     meta.PromptTokenCount,
		CompletionTokens: meta.CandidatesTokenCount,
		TotalTokens:      meta.TotalTokenCount,
	}
	if meta.CachedContentTokenCount > 0 {
		out.PromptTokensDetails = &openaiwire.PromptTokensDetails{
			CachedTokens: meta.CachedContentTokenCount,
		}
	}
	if meta.ThoughtsTokenCount > 0 {
		out.CompletionTokensDetails = &openaiwire.CompletionTokensDetails{
			ReasoningTokens: meta.ThoughtsTokenCount,
		}
	}
	return out
}

// ToChatResponse translates a generateContent result back to the public chat
// completions shape. model is the client-facing deployment name.
func ToChatResponse(resp *Response, model string, now time.Time) (*openaiwire.ChatResponse, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("gemini: upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	out := &openaiwire.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Usage:   RollUpUsage(resp.UsageMetadata),
	}

	for ci, cand := range resp.Candidates {
		var text strings.Builder
		var calls []openaiwire.ToolCall
		for pi, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args := "{}"
				if len(part.FunctionCall.Args) > 0 {
					args = string(part.FunctionCall.Args)
				}
				calls = append(calls, openaiwire.ToolCall{
					ID:   CallID(ci, pi),
					Type: "function",
					Function: openaiwire.ToolCallFunction{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
			}
		}

		finish := MapFinishReason(cand.FinishReason)
		if len(calls) > 0 && finish == "stop" {
			finish = "tool_calls"
		}

		var content *string
		if s := text.String(); s != "" || len(calls) == 0 {
			content = &s
		}

		out.Choices = append(out.Choices, openaiwire.ChatChoice{
			Index: ci,
			Message: openaiwire.AssistantMessage{
				Role:      "assistant",
				Content:   content,
				ToolCalls: calls,
			},
			FinishReason: finish,
		})
	}

	return out, nil
}

// ToResponsesResponse translates a generateContent result to the public
// responses object for the non-streaming /v1/responses surface.
func ToResponsesResponse(resp *Response, model string, now time.Time) (*openaiwire.Response, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("gemini: upstream error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	out := &openaiwire.Response{
		ID:        "resp_" + uuid.NewString(),
		Object:    "response",
		CreatedAt: now.Unix(),
		Status:    openaiwire.StatusCompleted,
		Model:     model,
	}

	for ci, cand := range resp.Candidates {
		var text strings.Builder
		for pi, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				args := "{}"
				if len(part.FunctionCall.Args) > 0 {
					args = string(part.FunctionCall.Args)
				}
				out.Output = append(out.Output, openaiwire.OutputItem{
					ID:        CallID(ci, pi),
					Type:      "function_call",
					Status:    openaiwire.StatusCompleted,
					CallID:    CallID(ci, pi),
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
		if text.Len() > 0 {
			out.Output = append(out.Output, openaiwire.OutputItem{
				ID:     fmt.Sprintf("msg-%d", ci),
				Type:   "message",
				Status: openaiwire.StatusCompleted,
				Role:   "assistant",
				Content: []openaiwire.OutputContent{{
					Type: "output_text",
					Text: text.String(),
				}},
			})
		}
		if MapFinishReason(cand.FinishReason) == "length" {
			out.Status = openaiwire.StatusIncomplete
		}
	}

	if meta := resp.UsageMetadata; meta != nil {
		out.Usage = &openaiwire.ResponsesUsage{
			InputTokens:  meta.PromptTokenCount,
			OutputTokens: meta.CandidatesTokenCount,
			TotalTokens:  meta.TotalTokenCount,
		}
	}

	return out, nil
}

// ToEmbeddingsResponse translates embedContent / batchEmbedContents results
// back to the public embeddings list.
func ToEmbeddingsResponse(body []byte, batch bool, model string) (*openaiwire.EmbeddingsResponse, error) {
	var vectors []ContentEmbedding
	if batch {
		var parsed BatchEmbedResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("gemini: parse batch embeddings: %w", err)
		}
		vectors = parsed.Embeddings
	} else {
		var parsed EmbedResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("gemini: parse embeddings: %w", err)
		}
		vectors = []ContentEmbedding{parsed.Embedding}
	}

	out := &openaiwire.EmbeddingsResponse{
		Object: "list",
		Model:  model,
		Data:   make([]openaiwire.Embedding, len(vectors)),
	}
	for i, v := range vectors {
		out.Data[i] = openaiwire.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: v.Values,
		}
	}
	return out, nil
}
