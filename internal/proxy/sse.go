package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/translate/gemini"
	"github.com/nulpointcorp/llm-relay/internal/translate/openaiwire"
)

// sseFrame is one parsed server-sent-event block. raw holds the normalized
// ingest lines so passthrough can re-emit the frame untouched.
type sseFrame struct {
	event string
	data  []byte
	done  bool // data was the [DONE] sentinel
	raw   []string
}

// sseReader scans text/event-stream frames off an upstream body, normalizing
// CRLF to LF. Next returns io.EOF when the stream closes.
type sseReader struct {
	sc *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &sseReader{sc: sc}
}

func (r *sseReader) Next() (sseFrame, error) {
	var f sseFrame
	var data [][]byte
	seen := false

	for r.sc.Scan() {
		line := strings.TrimSuffix(r.sc.Text(), "\r")

		if line == "" {
			if !seen {
				continue // leading blank lines
			}
			f.data = bytes.Join(data, []byte("\n"))
			f.done = string(f.data) == "[DONE]"
			return f, nil
		}

		seen = true
		f.raw = append(f.raw, line)
		switch {
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		case strings.HasPrefix(line, ":"):
			// comment, kept in raw for passthrough
		}
	}

	if err := r.sc.Err(); err != nil {
		return sseFrame{}, err
	}
	if seen {
		f.data = bytes.Join(data, []byte("\n"))
		f.done = string(f.data) == "[DONE]"
		return f, nil
	}
	return sseFrame{}, io.EOF
}

// attemptStream issues one streaming upstream call. When the upstream
// accepts, the response handoff to the SSE writer is final: done=true and
// any later upstream failure surfaces in-band on the stream. Otherwise the
// captured status/body or transport error is returned for failover.
func (g *Gateway) attemptStream(ctx *fasthttp.RequestCtx, s surface, a attemptLog, call *upstreamCall) (done bool, status int, body []byte, err error) {
	provider := string(a.conn.Data.Variant.Kind)

	// The body outlives the handler, so the call runs under the process
	// context and is cancelled when the stream writer finishes.
	upCtx, cancel := context.WithCancel(g.baseCtx)

	g.balancer.MarkOpened(a.conn.Data.ID)
	start := time.Now()
	resp, err := g.doRequest(upCtx, call, true)
	if err != nil {
		cancel()
		g.balancer.MarkClosed(a.conn.Data.ID)
		g.metrics.ObserveUpstreamAttempt(provider, "transport_error", time.Since(start))
		g.submitAttempt(a, fasthttp.StatusInternalServerError, err.Error(), 0, 0, true)
		return false, 0, nil, err
	}

	if resp.StatusCode/100 != 2 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		cancel()
		g.balancer.MarkClosed(a.conn.Data.ID)
		g.metrics.ObserveUpstreamAttempt(provider, "upstream_error", time.Since(start))
		g.submitAttempt(a, resp.StatusCode, string(errBody), 0, 0, true)
		return false, resp.StatusCode, errBody, nil
	}
	g.metrics.ObserveUpstreamAttempt(provider, "success", time.Since(start))

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	// The log row is flushed exactly once, whether the stream ends on a
	// terminal event, [DONE], or an upstream close.
	logSent := false
	finalize := func(in, out int64) {
		if logSent {
			return
		}
		logSent = true
		g.submitAttempt(a, fasthttp.StatusOK, "", in, out, true)
	}

	if call.mode == modePassthrough {
		g.streamPassthrough(ctx, resp, cancel, a, finalize)
	} else {
		g.streamTranscode(ctx, resp, cancel, a, s.model, finalize)
	}
	return true, 0, nil, nil
}

// streamPassthrough forwards upstream frames verbatim while tee-parsing each
// data payload to catch the terminal event and the usage block.
func (g *Gateway) streamPassthrough(ctx *fasthttp.RequestCtx, resp *http.Response, cancel context.CancelFunc, a attemptLog, finalize func(in, out int64)) {
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as panics here
		defer func() {
			resp.Body.Close()
			cancel()
			g.balancer.MarkClosed(a.conn.Data.ID)
		}()

		var inTokens, outTokens int64

		reader := newSSEReader(resp.Body)
		for {
			frame, err := reader.Next()
			if err != nil {
				break
			}

			for _, line := range frame.raw {
				fmt.Fprintf(w, "%s\n", line)
			}
			fmt.Fprint(w, "\n")
			w.Flush() //nolint:errcheck

			if frame.done {
				finalize(inTokens, outTokens)
				continue
			}
			if in, out, ok := probeStreamUsage(frame.data); ok {
				inTokens, outTokens = in, out
			}
			if openaiwire.IsTerminalEvent(frame.event) {
				finalize(inTokens, outTokens)
			}
		}

		finalize(inTokens, outTokens)
	})
}

// probeStreamUsage reads the usage block of a stream payload: chat chunks
// carry it at the top level, responses events under response.usage.
func probeStreamUsage(data []byte) (in, out int64, ok bool) {
	u := gjson.GetBytes(data, "usage")
	if !u.Exists() || u.Type == gjson.Null {
		u = gjson.GetBytes(data, "response.usage")
	}
	if !u.Exists() || u.Type == gjson.Null {
		return 0, 0, false
	}
	if v := u.Get("prompt_tokens"); v.Exists() {
		return v.Int(), u.Get("completion_tokens").Int(), true
	}
	return u.Get("input_tokens").Int(), u.Get("output_tokens").Int(), true
}

// streamTranscode folds Gemini stream chunks into the public responses event
// stream. The transcoder guarantees one response.created before any delta
// and a single terminal event on upstream close.
func (g *Gateway) streamTranscode(ctx *fasthttp.RequestCtx, resp *http.Response, cancel context.CancelFunc, a attemptLog, model string, finalize func(in, out int64)) {
	transcoder := gemini.NewStreamTranscoder(model, time.Now())

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // client disconnects surface as panics here
		defer func() {
			resp.Body.Close()
			cancel()
			g.balancer.MarkClosed(a.conn.Data.ID)
		}()

		writeFrames := func(frames []gemini.Frame) {
			for _, f := range frames {
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Event, f.Data)
			}
			if len(frames) > 0 {
				w.Flush() //nolint:errcheck
			}
		}

		reader := newSSEReader(resp.Body)
		for {
			frame, err := reader.Next()
			if err != nil {
				break
			}
			if frame.done || len(frame.data) == 0 {
				continue
			}
			frames, err := transcoder.Feed(frame.data)
			if err != nil {
				g.log.Warn("gemini stream chunk dropped",
					"error", err.Error())
				continue
			}
			writeFrames(frames)
		}

		writeFrames(transcoder.Finish())

		var in, out int64
		if u := transcoder.Usage(); u != nil {
			in, out = u.InputTokens, u.OutputTokens
		}
		finalize(in, out)
	})
}
