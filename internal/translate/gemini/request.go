package gemini

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-relay/internal/translate"
	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
)

// extensionMIME resolves external image URLs by extension. Unknown
// extensions are dropped.
var extensionMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
}

// FromChatRequest regroups a public chat request into the generateContent
// dialect: system/developer messages concatenate into systemInstruction,
// assistant turns become role "model" with functionCall parts, tool turns
// become user turns with functionResponse parts.
func FromChatRequest(req *openaiwire.ChatRequest) (*Request, translate.Loss, error) {
	var loss translate.Loss
	out := &Request{}

	var sysTexts []string
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if t := m.FlatText(); t != "" {
				sysTexts = append(sysTexts, t)
			}

		case "user":
			parts := userParts(m, i, &loss)
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, Content{Role: "user", Parts: parts})

		case "assistant":
			var parts []Part
			if t := m.FlatText(); t != "" {
				parts = append(parts, Part{Text: t})
			}
			for _, call := range m.ToolCalls {
				parts = append(parts, Part{FunctionCall: &FunctionCall{
					Name: call.Function.Name,
					Args: argsJSON(call.Function.Arguments),
				}})
			}
			if len(parts) == 0 {
				continue
			}
			out.Contents = append(out.Contents, Content{Role: "model", Parts: parts})

		case "tool", "function":
			name := m.ToolCallID
			if name == "" {
				name = m.Name
			}
			out.Contents = append(out.Contents, Content{Role: "user", Parts: []Part{{
				FunctionResponse: &FunctionResponse{
					Name:     name,
					Response: responseJSON(m.FlatText()),
				},
			}}})

		default:
			loss.Record(fmt.Sprintf("messages.%d.role.%s", i, m.Role))
		}
	}

	if len(sysTexts) > 0 {
		out.SystemInstruction = &Content{Parts: []Part{{Text: strings.Join(sysTexts, "\n")}}}
	}

	for _, t := range req.Tools {
		if t.Type != "function" || t.Function == nil {
			loss.Record("tools." + t.Type)
			continue
		}
		decl := FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}
		if len(out.Tools) == 0 {
			out.Tools = []Tool{{}}
		}
		out.Tools[0].FunctionDeclarations = append(out.Tools[0].FunctionDeclarations, decl)
	}

	switch mode, name := req.ToolChoiceMode(); mode {
	case "":
	case "none":
		out.ToolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "NONE"}}
	case "auto":
		out.ToolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "AUTO"}}
	case "required":
		out.ToolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: "ANY"}}
	case "function":
		out.ToolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{name},
		}}
	default:
		loss.Record("tool_choice." + mode)
	}

	out.GenerationConfig = generationConfig(req, &loss)

	if req.StreamOptions != nil {
		// Gemini reports usage on every chunk; nothing to forward.
		loss.Record("stream_options")
	}
	if req.Logprobs != nil || req.TopLogprobs != nil {
		loss.Record("logprobs")
	}

	return out, loss, nil
}

func generationConfig(req *openaiwire.ChatRequest, loss *translate.Loss) *GenerationConfig {
	gc := &GenerationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		CandidateCount:   req.N,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Seed:             req.Seed,
	}

	if req.MaxCompletionTokens != nil {
		gc.MaxOutputTokens = req.MaxCompletionTokens
	} else if req.MaxTokens != nil {
		gc.MaxOutputTokens = req.MaxTokens
	}

	gc.StopSequences = req.StopSequences()

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			gc.ResponseMimeType = "application/json"
		case "json_schema":
			gc.ResponseMimeType = "application/json"
			if rf.JSONSchema != nil {
				gc.ResponseSchema = rf.JSONSchema.Schema
			}
		case "", "text":
		default:
			loss.Record("response_format." + rf.Type)
		}
	}

	for _, m := range req.Modalities {
		switch m {
		case "text":
			gc.ResponseModalities = append(gc.ResponseModalities, "Text")
		case "audio":
			gc.ResponseModalities = append(gc.ResponseModalities, "Audio")
		case "image":
			gc.ResponseModalities = append(gc.ResponseModalities, "Image")
		default:
			loss.Record("modalities." + m)
		}
	}

	if emptyGenerationConfig(gc) {
		return nil
	}
	return gc
}

func emptyGenerationConfig(gc *GenerationConfig) bool {
	return gc.Temperature == nil && gc.TopP == nil && gc.CandidateCount == nil &&
		gc.MaxOutputTokens == nil && len(gc.StopSequences) == 0 &&
		gc.PresencePenalty == nil && gc.FrequencyPenalty == nil && gc.Seed == nil &&
		gc.ResponseMimeType == "" && gc.ResponseSchema == nil &&
		len(gc.ResponseModalities) == 0
}

func userParts(m openaiwire.ChatMessage, msgIdx int, loss *translate.Loss) []Part {
	if t, ok := m.TextContent(); ok {
		return []Part{{Text: t}}
	}
	raw, ok := m.Parts()
	if !ok {
		return nil
	}

	var out []Part
	for j, p := range raw {
		switch p.Type {
		case "text":
			out = append(out, Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if part, ok := imagePart(p.ImageURL.URL); ok {
				out = append(out, part)
			} else {
				loss.Record(fmt.Sprintf("messages.%d.content.%d.image_url", msgIdx, j))
			}
		default:
			loss.Record(fmt.Sprintf("messages.%d.content.%d.%s", msgIdx, j, p.Type))
		}
	}
	return out
}

// imagePart splits a data: URL into inline media; external URLs resolve to
// fileData by extension. Unknown forms are dropped by the caller.
func imagePart(url string) (Part, bool) {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		semi := strings.Index(rest, ";base64,")
		if semi < 0 {
			return Part{}, false
		}
		return Part{InlineData: &Blob{
			MIMEType: rest[:semi],
			Data:     rest[semi+len(";base64,"):],
		}}, true
	}

	ext := strings.ToLower(path.Ext(url))
	if q := strings.IndexByte(ext, '?'); q >= 0 {
		ext = ext[:q]
	}
	mime, ok := extensionMIME[ext]
	if !ok {
		return Part{}, false
	}
	return Part{FileData: &FileData{MIMEType: mime, FileURI: url}}, true
}

// argsJSON passes valid JSON through and wraps anything else.
func argsJSON(arguments string) json.RawMessage {
	if arguments == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(arguments)) && gjson.Parse(arguments).IsObject() {
		return json.RawMessage(arguments)
	}
	wrapped, _ := json.Marshal(map[string]string{"value": arguments})
	return wrapped
}

// responseJSON parses a tool result as a JSON object, or wraps the raw text.
func responseJSON(content string) json.RawMessage {
	if json.Valid([]byte(content)) && gjson.Parse(content).IsObject() {
		return json.RawMessage(content)
	}
	wrapped, _ := json.Marshal(map[string]string{"result": content})
	return wrapped
}

// FromResponsesRequest adapts a public responses request to generateContent.
// Input may be a plain string or the item-list form; items the dialect
// cannot express are recorded as loss.
func FromResponsesRequest(req *openaiwire.ResponsesRequest) (*Request, translate.Loss, error) {
	var loss translate.Loss
	out := &Request{}

	if req.Instructions != "" {
		out.SystemInstruction = &Content{Parts: []Part{{Text: req.Instructions}}}
	}

	input := gjson.ParseBytes(req.Input)
	switch {
	case input.Type == gjson.String:
		out.Contents = append(out.Contents, Content{Role: "user", Parts: []Part{{Text: input.String()}}})
	case input.IsArray():
		for i, item := range input.Array() {
			role := item.Get("role").String()
			if role == "" {
				loss.Record(fmt.Sprintf("input.%d", i))
				continue
			}
			text := flattenInputContent(item.Get("content"))
			if text == "" {
				continue
			}
			switch role {
			case "system", "developer":
				if out.SystemInstruction == nil {
					out.SystemInstruction = &Content{Parts: []Part{{Text: text}}}
				} else {
					out.SystemInstruction.Parts[0].Text += "\n" + text
				}
			case "assistant":
				out.Contents = append(out.Contents, Content{Role: "model", Parts: []Part{{Text: text}}})
			default:
				out.Contents = append(out.Contents, Content{Role: "user", Parts: []Part{{Text: text}}})
			}
		}
	default:
		return nil, loss, fmt.Errorf("gemini: unsupported responses input form")
	}

	gc := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if !emptyGenerationConfig(gc) {
		out.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		loss.Record("tools")
	}
	if len(req.ToolChoice) > 0 {
		loss.Record("tool_choice")
	}

	return out, loss, nil
}

func flattenInputContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "input_text", "output_text", "text":
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(part.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// FromEmbeddingsRequest translates to embedContent, or batchEmbedContents
// for multi-string input. model carries the connection's concrete model in
// the "models/…" form required inside batch items.
func FromEmbeddingsRequest(req *openaiwire.EmbeddingsRequest, model string) (body []byte, batch bool, loss translate.Loss, err error) {
	inputs, ok := req.InputStrings()
	if !ok {
		return nil, false, loss, fmt.Errorf("gemini: embeddings input must be a string or string array")
	}
	if req.EncodingFormat != "" && req.EncodingFormat != "float" {
		loss.Record("encoding_format")
	}
	if req.User != "" {
		loss.Record("user")
	}
	loss.Record("model")

	if len(inputs) == 1 {
		payload := EmbedRequest{
			Content:              Content{Parts: []Part{{Text: inputs[0]}}},
			OutputDimensionality: req.Dimensions,
		}
		body, err = json.Marshal(payload)
		return body, false, loss, err
	}

	reqs := make([]EmbedRequest, len(inputs))
	for i, in := range inputs {
		reqs[i] = EmbedRequest{
			Model:                "models/" + model,
			Content:              Content{Parts: []Part{{Text: in}}},
			OutputDimensionality: req.Dimensions,
		}
	}
	body, err = json.Marshal(BatchEmbedRequest{Requests: reqs})
	return body, true, loss, err
}
