package proxy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/graph"
	"github.com/nulpointcorp/llm-relay/internal/translate"
	"github.com/nulpointcorp/llm-relay/internal/translate/azure"
	"github.com/nulpointcorp/llm-relay/internal/translate/gemini"
	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
)

// translateMode selects how the upstream response is mapped back to the
// public schema.
type translateMode int

const (
	// modePassthrough forwards the upstream body verbatim; usage is probed
	// out of the payload for accounting.
	modePassthrough translateMode = iota
	modeGeminiChat
	modeGeminiResponses
	modeGeminiEmbeddings
)

// upstreamCall is one fully-addressed provider request: URL with credentials
// where the dialect wants them, auth headers otherwise, and the translated
// body. loss lists public fields the dialect could not carry.
type upstreamCall struct {
	url     string
	headers map[string]string
	body    []byte

	mode  translateMode
	batch bool // gemini batchEmbedContents form
	loss  translate.Loss
}

func openaiURL(endpoint, suffix string) string {
	return strings.TrimRight(endpoint, "/") + suffix
}

func bearerHeaders(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func azureHeaders(apiKey string) map[string]string {
	return map[string]string{"api-key": apiKey}
}

// buildChatCall translates a chat completions request for the connection's
// dialect. raw is the client body; OpenAI-compatible upstreams get it back
// with only the model rewritten so unknown fields survive.
func buildChatCall(conn *graph.ConnectionNode, req *openaiwire.ChatRequest, raw []byte) (*upstreamCall, error) {
	v := conn.Data.Variant

	switch v.Kind {
	case entity.ProviderOpenAI:
		body, err := sjson.SetBytes(raw, "model", v.Model)
		if err != nil {
			return nil, fmt.Errorf("proxy: rewrite model: %w", err)
		}
		return &upstreamCall{
			url:     openaiURL(v.APIEndpoint, "/v1/chat/completions"),
			headers: bearerHeaders(conn.Data.APIKey),
			body:    body,
			mode:    modePassthrough,
		}, nil

	case entity.ProviderAzure:
		// Streaming usage is required for accounting, so include_usage is
		// forced on the api-versions that support it.
		out, loss, err := azure.TransformChatRequest(req, v.APIVersion, req.Stream)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("proxy: marshal azure chat: %w", err)
		}
		return &upstreamCall{
			url:     azure.ChatURL(v.APIEndpoint, v.DeploymentName, v.APIVersion),
			headers: azureHeaders(conn.Data.APIKey),
			body:    body,
			mode:    modePassthrough,
			loss:    loss,
		}, nil

	case entity.ProviderGemini:
		out, loss, err := gemini.FromChatRequest(req)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("proxy: marshal gemini chat: %w", err)
		}
		return &upstreamCall{
			url:  gemini.GenerateURL(v.APIEndpoint, v.Model, conn.Data.APIKey, req.Stream),
			body: body,
			mode: modeGeminiChat,
			loss: loss,
		}, nil

	default:
		return nil, fmt.Errorf("proxy: unknown provider variant %q", v.Kind)
	}
}

// buildResponsesCall translates a responses API request. Azure serves the v1
// shape directly, so only the model moves.
func buildResponsesCall(conn *graph.ConnectionNode, req *openaiwire.ResponsesRequest, raw []byte) (*upstreamCall, error) {
	v := conn.Data.Variant

	switch v.Kind {
	case entity.ProviderOpenAI:
		body, err := sjson.SetBytes(raw, "model", v.Model)
		if err != nil {
			return nil, fmt.Errorf("proxy: rewrite model: %w", err)
		}
		return &upstreamCall{
			url:     openaiURL(v.APIEndpoint, "/v1/responses"),
			headers: bearerHeaders(conn.Data.APIKey),
			body:    body,
			mode:    modePassthrough,
		}, nil

	case entity.ProviderAzure:
		body, loss, err := azure.TransformResponsesBody(raw, v.DeploymentName)
		if err != nil {
			return nil, err
		}
		return &upstreamCall{
			url:     azure.ResponsesURL(v.APIEndpoint),
			headers: azureHeaders(conn.Data.APIKey),
			body:    body,
			mode:    modePassthrough,
			loss:    loss,
		}, nil

	case entity.ProviderGemini:
		out, loss, err := gemini.FromResponsesRequest(req)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("proxy: marshal gemini responses: %w", err)
		}
		return &upstreamCall{
			url:  gemini.GenerateURL(v.APIEndpoint, v.Model, conn.Data.APIKey, req.Stream),
			body: body,
			mode: modeGeminiResponses,
			loss: loss,
		}, nil

	default:
		return nil, fmt.Errorf("proxy: unknown provider variant %q", v.Kind)
	}
}

// buildEmbeddingsCall translates an embeddings request. Embeddings never
// stream.
func buildEmbeddingsCall(conn *graph.ConnectionNode, req *openaiwire.EmbeddingsRequest, raw []byte) (*upstreamCall, error) {
	v := conn.Data.Variant

	switch v.Kind {
	case entity.ProviderOpenAI:
		body, err := sjson.SetBytes(raw, "model", v.Model)
		if err != nil {
			return nil, fmt.Errorf("proxy: rewrite model: %w", err)
		}
		return &upstreamCall{
			url:     openaiURL(v.APIEndpoint, "/v1/embeddings"),
			headers: bearerHeaders(conn.Data.APIKey),
			body:    body,
			mode:    modePassthrough,
		}, nil

	case entity.ProviderAzure:
		body, loss, err := azure.TransformEmbeddingsBody(raw)
		if err != nil {
			return nil, err
		}
		return &upstreamCall{
			url:     azure.EmbeddingsURL(v.APIEndpoint, v.DeploymentName),
			headers: azureHeaders(conn.Data.APIKey),
			body:    body,
			mode:    modePassthrough,
			loss:    loss,
		}, nil

	case entity.ProviderGemini:
		body, batch, loss, err := gemini.FromEmbeddingsRequest(req, v.Model)
		if err != nil {
			return nil, err
		}
		return &upstreamCall{
			url:   gemini.EmbedURL(v.APIEndpoint, v.Model, conn.Data.APIKey, batch),
			body:  body,
			mode:  modeGeminiEmbeddings,
			batch: batch,
			loss:  loss,
		}, nil

	default:
		return nil, fmt.Errorf("proxy: unknown provider variant %q", v.Kind)
	}
}
