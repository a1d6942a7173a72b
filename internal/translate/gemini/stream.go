package gemini

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
)

// Frame is one SSE block ready for the client: `event: <Event>\ndata:
// <Data>\n\n`.
type Frame struct {
	Event string
	Data  []byte
}

// StreamTranscoder folds Gemini streamGenerateContent chunks into the public
// responses stream: exactly one response.created before any delta, one
// response.output_text.delta per candidate text part, and one terminal event
// carrying accumulated tool calls and rolled-up usage.
type StreamTranscoder struct {
	model      string
	responseID string
	createdAt  time.Time

	created  bool
	finished bool
	seq      int64

	texts     map[int]*strings.Builder
	toolCalls []openaiwire.OutputItem

	finishReason string
	usage        *UsageMetadata
	failure      *APIError
}

func NewStreamTranscoder(model string, now time.Time) *StreamTranscoder {
	return &StreamTranscoder{
		model:      model,
		responseID: "resp_" + uuid.NewString(),
		createdAt:  now,
		texts:      make(map[int]*strings.Builder),
	}
}

// Feed parses one upstream SSE data payload and returns the frames to emit.
func (t *StreamTranscoder) Feed(data []byte) ([]Frame, error) {
	var chunk Response
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("gemini: parse stream chunk: %w", err)
	}
	return t.apply(&chunk), nil
}

func (t *StreamTranscoder) apply(chunk *Response) []Frame {
	var frames []Frame

	if chunk.Error != nil {
		t.failure = chunk.Error
		return nil
	}

	if !t.created {
		t.created = true
		frames = append(frames, t.frame(openaiwire.EventResponseCreated, &openaiwire.StreamEvent{
			Type:     openaiwire.EventResponseCreated,
			Response: t.snapshot(openaiwire.StatusInProgress, false),
		}))
	}

	for _, cand := range chunk.Candidates {
		ci := cand.Index
		for pi, part := range cand.Content.Parts {
			if part.Text != "" {
				sb, ok := t.texts[ci]
				if !ok {
					sb = &strings.Builder{}
					t.texts[ci] = sb
				}
				sb.WriteString(part.Text)
				frames = append(frames, t.frame(openaiwire.EventOutputTextDelta, &openaiwire.StreamEvent{
					Type:        openaiwire.EventOutputTextDelta,
					ItemID:      fmt.Sprintf("msg-%d", ci),
					OutputIndex: ci,
					Delta:       part.Text,
				}))
			}
			if part.FunctionCall != nil {
				args := "{}"
				if len(part.FunctionCall.Args) > 0 {
					args = string(part.FunctionCall.Args)
				}
				id := CallID(ci, pi)
				t.toolCalls = append(t.toolCalls, openaiwire.OutputItem{
					ID:        id,
					Type:      "function_call",
					Status:    openaiwire.StatusCompleted,
					CallID:    id,
					Name:      part.FunctionCall.Name,
					Arguments: args,
				})
			}
		}
		if cand.FinishReason != "" {
			t.finishReason = cand.FinishReason
		}
	}

	// Usage arrives cumulatively; the last chunk wins.
	if chunk.UsageMetadata != nil {
		t.usage = chunk.UsageMetadata
	}

	return frames
}

// Finish emits the terminal event. Safe to call once; later calls return
// nothing.
func (t *StreamTranscoder) Finish() []Frame {
	if t.finished {
		return nil
	}
	t.finished = true

	var event string
	var status string
	switch {
	case t.failure != nil:
		event, status = openaiwire.EventResponseFailed, openaiwire.StatusFailed
	case MapFinishReason(t.finishReason) == "length",
		MapFinishReason(t.finishReason) == "content_filter":
		event, status = openaiwire.EventResponseIncomplete, openaiwire.StatusIncomplete
	default:
		event, status = openaiwire.EventResponseCompleted, openaiwire.StatusCompleted
	}

	return []Frame{t.frame(event, &openaiwire.StreamEvent{
		Type:     event,
		Response: t.snapshot(status, true),
	})}
}

// Usage exposes the rolled-up usage once the stream ends.
func (t *StreamTranscoder) Usage() *openaiwire.ResponsesUsage {
	if t.usage == nil {
		return nil
	}
	return &openaiwire.ResponsesUsage{
		InputTokens:  t.usage.PromptTokenCount,
		OutputTokens: t.usage.CandidatesTokenCount,
		TotalTokens:  t.usage.TotalTokenCount,
	}
}

func (t *StreamTranscoder) snapshot(status string, withOutput bool) *openaiwire.Response {
	resp := &openaiwire.Response{
		ID:        t.responseID,
		Object:    "response",
		CreatedAt: t.createdAt.Unix(),
		Status:    status,
		Model:     t.model,
		Output:    []openaiwire.OutputItem{},
		Usage:     t.Usage(),
	}
	if t.failure != nil {
		resp.Error = &openaiwire.ResponseError{
			Code:    t.failure.Status,
			Message: t.failure.Message,
		}
	}
	if !withOutput {
		return resp
	}

	indexes := make([]int, 0, len(t.texts))
	for ci := range t.texts {
		indexes = append(indexes, ci)
	}
	sort.Ints(indexes)
	for _, ci := range indexes {
		resp.Output = append(resp.Output, openaiwire.OutputItem{
			ID:     fmt.Sprintf("msg-%d", ci),
			Type:   "message",
			Status: status,
			Role:   "assistant",
			Content: []openaiwire.OutputContent{{
				Type: "output_text",
				Text: t.texts[ci].String(),
			}},
		})
	}
	resp.Output = append(resp.Output, t.toolCalls...)
	return resp
}

func (t *StreamTranscoder) frame(event string, payload *openaiwire.StreamEvent) Frame {
	t.seq++
	payload.SequenceNumber = t.seq
	data, _ := json.Marshal(payload)
	return Frame{Event: event, Data: data}
}
