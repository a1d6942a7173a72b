// Package azure translates the public OpenAI schema to the Azure OpenAI
// versioned APIs. The chat surfaces (api-versions 2024-02-01 and 2024-06-01)
// are lossy downgrades of the public schema; embeddings use 2024-10-21; the
// responses surface is the v1 shape at /openai/v1/responses.
package azure

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/translate"
	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
)

// ChatURL builds the deployment-scoped chat completions URL.
func ChatURL(endpoint, deployment, apiVersion string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimRight(endpoint, "/"), deployment, apiVersion)
}

// EmbeddingsURL builds the deployment-scoped embeddings URL.
func EmbeddingsURL(endpoint, deployment string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		strings.TrimRight(endpoint, "/"), deployment, entity.AzureEmbeddingsAPIVersion)
}

// ResponsesURL builds the v1 responses URL.
func ResponsesURL(endpoint string) string {
	return strings.TrimRight(endpoint, "/") + "/openai/v1/responses"
}

// TransformChatRequest downgrades a public chat request to the given Azure
// api-version. The model moves into the URL (recorded as loss); fields the
// version cannot carry are dropped and recorded. When forceIncludeUsage is
// set and the request streams, 2024-06-01 emits stream_options.include_usage
// even if the client omitted it.
func TransformChatRequest(req *openaiwire.ChatRequest, apiVersion string, forceIncludeUsage bool) (*openaiwire.ChatRequest, translate.Loss, error) {
	var loss translate.Loss

	switch apiVersion {
	case entity.AzureVersion20240201, entity.AzureVersion20240601:
	default:
		return nil, loss, fmt.Errorf("azure: unsupported api-version %q", apiVersion)
	}

	out := *req

	out.Model = ""
	loss.Record("model")

	out.Messages = transformMessages(req.Messages, &loss)

	if len(req.Tools) > 0 {
		kept := make([]openaiwire.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			if t.Type != "function" || t.Function == nil {
				loss.Record("tools." + t.Type)
				continue
			}
			kept = append(kept, t)
		}
		out.Tools = kept
		if len(kept) == 0 {
			out.Tools = nil
			out.ToolChoice = nil
		}
	}
	if mode, _ := req.ToolChoiceMode(); mode == "allowed_tools" {
		out.ToolChoice = nil
		loss.Record("tool_choice.allowed_tools")
	}

	if req.Prediction != nil {
		out.Prediction = nil
		loss.Record("prediction")
	}
	if req.Audio != nil {
		out.Audio = nil
		loss.Record("audio")
	}
	if req.SafetyIdentifier != "" {
		out.SafetyIdentifier = ""
		loss.Record("safety_identifier")
	}
	if req.PromptCacheKey != "" {
		out.PromptCacheKey = ""
		loss.Record("prompt_cache_key")
	}
	if req.PromptCacheRetention != "" {
		out.PromptCacheRetention = ""
		loss.Record("prompt_cache_retention")
	}
	if req.UserSecurityContext != nil {
		out.UserSecurityContext = nil
		loss.Record("user_security_context")
	}
	if req.Logprobs != nil {
		out.Logprobs = nil
		loss.Record("logprobs")
	}
	if req.TopLogprobs != nil {
		out.TopLogprobs = nil
		loss.Record("top_logprobs")
	}

	if len(req.Modalities) > 0 {
		kept := make([]string, 0, len(req.Modalities))
		for _, m := range req.Modalities {
			if m == "audio" {
				loss.Record("modalities.audio")
				continue
			}
			kept = append(kept, m)
		}
		out.Modalities = kept
		if len(kept) == 0 {
			out.Modalities = nil
		}
	}

	if apiVersion == entity.AzureVersion20240601 && out.Stream && forceIncludeUsage {
		if out.StreamOptions == nil || !out.StreamOptions.IncludeUsage {
			out.StreamOptions = &openaiwire.StreamOptions{IncludeUsage: true}
		}
	}

	return &out, loss, nil
}

// transformMessages folds developer into system and strips content parts the
// Azure versions cannot carry (audio, file, image detail hints).
func transformMessages(msgs []openaiwire.ChatMessage, loss *translate.Loss) []openaiwire.ChatMessage {
	out := make([]openaiwire.ChatMessage, 0, len(msgs))
	for i, m := range msgs {
		mm := m
		if m.Role == "developer" {
			mm.Role = "system"
			loss.Record(fmt.Sprintf("messages.%d.role.developer", i))
		}

		if parts, ok := m.Parts(); ok {
			kept := make([]openaiwire.ContentPart, 0, len(parts))
			for j, p := range parts {
				switch p.Type {
				case "text":
					kept = append(kept, p)
				case "image_url":
					if p.ImageURL != nil && p.ImageURL.Detail != "" {
						p.ImageURL = &openaiwire.ImageURL{URL: p.ImageURL.URL}
						loss.Record(fmt.Sprintf("messages.%d.content.%d.image_url.detail", i, j))
					}
					kept = append(kept, p)
				default:
					loss.Record(fmt.Sprintf("messages.%d.content.%d.%s", i, j, p.Type))
				}
			}
			raw, err := marshalParts(kept)
			if err == nil {
				mm.Content = raw
			}
		}

		out = append(out, mm)
	}
	return out
}

func marshalParts(parts []openaiwire.ContentPart) (json.RawMessage, error) {
	return json.Marshal(parts)
}

// TransformEmbeddingsBody strips the model field from a raw embeddings body;
// the deployment carries the model in the URL.
func TransformEmbeddingsBody(body []byte) ([]byte, translate.Loss, error) {
	var loss translate.Loss
	out, err := sjson.DeleteBytes(body, "model")
	if err != nil {
		return nil, loss, fmt.Errorf("azure: strip model: %w", err)
	}
	loss.Record("model")
	return out, loss, nil
}

// TransformResponsesBody rewrites the model of a raw responses body to the
// Azure deployment name; the v1 surface keeps the public shape otherwise.
func TransformResponsesBody(body []byte, deployment string) ([]byte, translate.Loss, error) {
	var loss translate.Loss
	out, err := sjson.SetBytes(body, "model", deployment)
	if err != nil {
		return nil, loss, fmt.Errorf("azure: set model: %w", err)
	}
	return out, loss, nil
}
