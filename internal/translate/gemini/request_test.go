package gemini

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
)

func textMessage(role, text string) openaiwire.ChatMessage {
	raw, _ := json.Marshal(text)
	return openaiwire.ChatMessage{Role: role, Content: raw}
}

func TestFromChatRequest_SystemInstruction(t *testing.T) {
	req := &openaiwire.ChatRequest{
		Messages: []openaiwire.ChatMessage{
			textMessage("system", "be terse"),
			textMessage("developer", "answer in french"),
			textMessage("user", "hi"),
		},
	}

	out, loss, err := FromChatRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if !loss.Empty() {
		t.Errorf("loss = %v", loss.Fields)
	}
	if out.SystemInstruction == nil {
		t.Fatal("system messages must fold into systemInstruction")
	}
	if got := out.SystemInstruction.Parts[0].Text; got != "be terse\nanswer in french" {
		t.Errorf("systemInstruction = %q", got)
	}
	if len(out.Contents) != 1 || out.Contents[0].Role != "user" {
		t.Fatalf("contents = %+v", out.Contents)
	}
}

func TestFromChatRequest_RoleMapping(t *testing.T) {
	req := &openaiwire.ChatRequest{
		Messages: []openaiwire.ChatMessage{
			textMessage("user", "what time is it?"),
			{
				Role: "assistant",
				ToolCalls: []openaiwire.ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: openaiwire.ToolCallFunction{
						Name:      "get_time",
						Arguments: `{"tz":"UTC"}`,
					},
				}},
			},
			{
				Role:       "tool",
				ToolCallID: "get_time",
				Content:    json.RawMessage(`"{\"time\":\"12:00\"}"`),
			},
		},
	}

	out, _, err := FromChatRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(out.Contents))
	}

	model := out.Contents[1]
	if model.Role != "model" || model.Parts[0].FunctionCall == nil {
		t.Fatalf("assistant turn = %+v", model)
	}
	if model.Parts[0].FunctionCall.Name != "get_time" ||
		string(model.Parts[0].FunctionCall.Args) != `{"tz":"UTC"}` {
		t.Errorf("functionCall = %+v", model.Parts[0].FunctionCall)
	}

	tool := out.Contents[2]
	if tool.Role != "user" || tool.Parts[0].FunctionResponse == nil {
		t.Fatalf("tool turn = %+v", tool)
	}
	if tool.Parts[0].FunctionResponse.Name != "get_time" {
		t.Errorf("functionResponse name = %q", tool.Parts[0].FunctionResponse.Name)
	}
}

func TestFromChatRequest_ToolResultWrapping(t *testing.T) {
	req := &openaiwire.ChatRequest{
		Messages: []openaiwire.ChatMessage{
			{Role: "tool", Name: "lookup", Content: json.RawMessage(`"plain text result"`)},
		},
	}

	out, _, err := FromChatRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	got := string(out.Contents[0].Parts[0].FunctionResponse.Response)
	if got != `{"result":"plain text result"}` {
		t.Errorf("non-object tool result must wrap, got %s", got)
	}
}

func TestFromChatRequest_ToolsAndChoice(t *testing.T) {
	req := &openaiwire.ChatRequest{
		Messages: []openaiwire.ChatMessage{textMessage("user", "hi")},
		Tools: []openaiwire.Tool{
			{Type: "function", Function: &openaiwire.ToolFunction{
				Name:       "lookup",
				Parameters: json.RawMessage(`{"type":"object"}`),
			}},
			{Type: "custom", Custom: json.RawMessage(`{}`)},
		},
		ToolChoice: json.RawMessage(`{"type":"function","function":{"name":"lookup"}}`),
	}

	out, loss, err := FromChatRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Tools) != 1 || len(out.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if !slices.Contains(loss.Fields, "tools.custom") {
		t.Errorf("loss = %v", loss.Fields)
	}

	fc := out.ToolConfig.FunctionCallingConfig
	if fc.Mode != "ANY" || len(fc.AllowedFunctionNames) != 1 || fc.AllowedFunctionNames[0] != "lookup" {
		t.Errorf("toolConfig = %+v", fc)
	}
}

func TestFromChatRequest_GenerationConfig(t *testing.T) {
	temp := 0.2
	n := 2
	maxTok := 100
	maxCompl := 50
	req := &openaiwire.ChatRequest{
		Messages:            []openaiwire.ChatMessage{textMessage("user", "hi")},
		Temperature:         &temp,
		N:                   &n,
		MaxTokens:           &maxTok,
		MaxCompletionTokens: &maxCompl,
		Stop:                json.RawMessage(`["END","STOP"]`),
		ResponseFormat:      &openaiwire.ResponseFormat{Type: "json_object"},
	}

	out, _, err := FromChatRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	gc := out.GenerationConfig
	if gc == nil {
		t.Fatal("expected a generationConfig")
	}
	if *gc.Temperature != 0.2 || *gc.CandidateCount != 2 {
		t.Errorf("sampling = %+v", gc)
	}
	// max_completion_tokens wins over the deprecated max_tokens.
	if *gc.MaxOutputTokens != 50 {
		t.Errorf("maxOutputTokens = %d, want 50", *gc.MaxOutputTokens)
	}
	if len(gc.StopSequences) != 2 || gc.StopSequences[0] != "END" {
		t.Errorf("stopSequences = %v", gc.StopSequences)
	}
	if gc.ResponseMimeType != "application/json" {
		t.Errorf("responseMimeType = %q", gc.ResponseMimeType)
	}
}

func TestFromChatRequest_OmitsEmptyGenerationConfig(t *testing.T) {
	req := &openaiwire.ChatRequest{
		Messages: []openaiwire.ChatMessage{textMessage("user", "hi")},
	}
	out, _, err := FromChatRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if out.GenerationConfig != nil {
		t.Errorf("generationConfig = %+v, want nil", out.GenerationConfig)
	}
}

func TestFromChatRequest_ImageParts(t *testing.T) {
	content, _ := json.Marshal([]openaiwire.ContentPart{
		{Type: "text", Text: "what is this?"},
		{Type: "image_url", ImageURL: &openaiwire.ImageURL{URL: "data:image/png;base64,AAAA"}},
		{Type: "image_url", ImageURL: &openaiwire.ImageURL{URL: "https://example.com/cat.jpg?x=1"}},
		{Type: "image_url", ImageURL: &openaiwire.ImageURL{URL: "https://example.com/unknown.tiff"}},
	})
	req := &openaiwire.ChatRequest{
		Messages: []openaiwire.ChatMessage{{Role: "user", Content: content}},
	}

	out, loss, err := FromChatRequest(req)
	if err != nil {
		t.Fatal(err)
	}

	parts := out.Contents[0].Parts
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3 (tiff dropped)", len(parts))
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" || parts[1].InlineData.Data != "AAAA" {
		t.Errorf("data URL part = %+v", parts[1])
	}
	if parts[2].FileData == nil || parts[2].FileData.MIMEType != "image/jpeg" {
		t.Errorf("external URL part = %+v", parts[2])
	}
	if !slices.Contains(loss.Fields, "messages.0.content.3.image_url") {
		t.Errorf("loss = %v", loss.Fields)
	}
}

func TestFromResponsesRequest_Forms(t *testing.T) {
	req := &openaiwire.ResponsesRequest{
		Instructions: "be brief",
		Input:        json.RawMessage(`"hello"`),
	}
	out, loss, err := FromResponsesRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if !loss.Empty() {
		t.Errorf("loss = %v", loss.Fields)
	}
	if out.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("instructions not mapped")
	}
	if len(out.Contents) != 1 || out.Contents[0].Parts[0].Text != "hello" {
		t.Errorf("contents = %+v", out.Contents)
	}

	req = &openaiwire.ResponsesRequest{
		Input: json.RawMessage(`[
			{"role":"system","content":"sys"},
			{"role":"user","content":[{"type":"input_text","text":"a"},{"type":"input_text","text":"b"}]},
			{"role":"assistant","content":"prior"},
			{"type":"function_call_output","output":"x"}
		]`),
	}
	out, loss, err = FromResponsesRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if out.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("system item not folded")
	}
	if len(out.Contents) != 2 {
		t.Fatalf("contents = %+v", out.Contents)
	}
	if out.Contents[0].Parts[0].Text != "a\nb" {
		t.Errorf("multi-part input = %q", out.Contents[0].Parts[0].Text)
	}
	if out.Contents[1].Role != "model" {
		t.Errorf("assistant item role = %q", out.Contents[1].Role)
	}
	if !slices.Contains(loss.Fields, "input.3") {
		t.Errorf("role-less item must record loss: %v", loss.Fields)
	}

	req = &openaiwire.ResponsesRequest{Input: json.RawMessage(`42`)}
	if _, _, err := FromResponsesRequest(req); err == nil {
		t.Error("numeric input must be rejected")
	}
}

func TestFromEmbeddingsRequest(t *testing.T) {
	dims := 256
	req := &openaiwire.EmbeddingsRequest{
		Model:      "text-embedding-3-small",
		Input:      json.RawMessage(`"single text"`),
		Dimensions: &dims,
	}

	body, batch, loss, err := FromEmbeddingsRequest(req, "text-embedding-004")
	if err != nil {
		t.Fatal(err)
	}
	if batch {
		t.Error("single input must use embedContent")
	}
	if !slices.Contains(loss.Fields, "model") {
		t.Errorf("loss = %v", loss.Fields)
	}
	var single EmbedRequest
	if err := json.Unmarshal(body, &single); err != nil {
		t.Fatal(err)
	}
	if single.Content.Parts[0].Text != "single text" || *single.OutputDimensionality != 256 {
		t.Errorf("payload = %s", body)
	}

	req.Input = json.RawMessage(`["a","b","c"]`)
	body, batch, _, err = FromEmbeddingsRequest(req, "text-embedding-004")
	if err != nil {
		t.Fatal(err)
	}
	if !batch {
		t.Error("multi input must use batchEmbedContents")
	}
	var multi BatchEmbedRequest
	if err := json.Unmarshal(body, &multi); err != nil {
		t.Fatal(err)
	}
	if len(multi.Requests) != 3 || multi.Requests[0].Model != "models/text-embedding-004" {
		t.Errorf("payload = %s", body)
	}

	req.Input = json.RawMessage(`[[1,2,3]]`)
	if _, _, _, err := FromEmbeddingsRequest(req, "m"); err == nil {
		t.Error("token-array input must be rejected")
	}
}

func TestURLs_KeyPlacement(t *testing.T) {
	got := GenerateURL("https://generativelanguage.googleapis.com/", "gemini-2.0-flash", "secret-key", false)
	want := "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash:generateContent?key=secret-key"
	if got != want {
		t.Errorf("GenerateURL = %q", got)
	}

	got = GenerateURL("https://generativelanguage.googleapis.com", "gemini-2.0-flash", "secret-key", true)
	if !strings.Contains(got, ":streamGenerateContent?alt=sse&key=secret-key") {
		t.Errorf("stream URL = %q", got)
	}

	got = EmbedURL("https://generativelanguage.googleapis.com", "text-embedding-004", "k", true)
	if !strings.HasSuffix(got, "models/text-embedding-004:batchEmbedContents?key=k") {
		t.Errorf("EmbedURL = %q", got)
	}
}
