// Package proxy is the relay's request dispatcher.
//
// A request authenticates with a virtual key, resolves its model name to a
// deployment graph, passes admission control against the hydrated usage
// counters, and is then dispatched over the deployment's connections with
// per-connection failover. Every attempt produces one request-log row and
// one usage-counter record, emitted through non-blocking writers.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the resolver and the upstream
//     call itself; telemetry is try-send.
//   - Metrics, writers, and the analytics mirror are optional and nil-safe.
//   - Decrypted connection keys leave the process only in outbound auth
//     headers or URLs and are never logged.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/balance"
	"github.com/nulpointcorp/llm-relay/internal/entity"
	"github.com/nulpointcorp/llm-relay/internal/graph"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/internal/writer"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const defaultProviderTimeout = 30 * time.Second

// maxErrorBodySize caps how much of a failed upstream body is retained for
// propagation and logging.
const maxErrorBodySize = 64 << 10

// GatewayOptions holds optional tuning parameters. All fields have defaults.
type GatewayOptions struct {
	Logger *slog.Logger

	// ProviderTimeout bounds each non-streaming upstream attempt.
	ProviderTimeout time.Duration

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// Ready is the readiness probe for GET /readiness; nil means always
	// ready.
	Ready func(ctx context.Context) error
}

// Gateway dispatches public API requests over the resolved connection graph.
type Gateway struct {
	resolver *graph.Resolver
	balancer *balance.Balancer
	logs     *writer.RequestLogWriter
	usage    *writer.UsageWriter
	metrics  *metrics.Registry
	client   *http.Client
	srv      *fasthttp.Server

	providerTimeout time.Duration
	ready           func(ctx context.Context) error

	baseCtx context.Context
	log     *slog.Logger
}

// NewGateway wires the dispatcher. logs and usageW may be nil (telemetry
// disabled); resolver and balancer must not be.
func NewGateway(
	baseCtx context.Context,
	resolver *graph.Resolver,
	balancer *balance.Balancer,
	logs *writer.RequestLogWriter,
	usageW *writer.UsageWriter,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("proxy: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	return &Gateway{
		resolver:        resolver,
		balancer:        balancer,
		logs:            logs,
		usage:           usageW,
		metrics:         opts.Metrics,
		client:          &http.Client{},
		providerTimeout: timeout,
		ready:           opts.Ready,
		baseCtx:         baseCtx,
		log:             log,
	}
}

// bearerToken extracts the virtual key from the Authorization header.
func bearerToken(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// writeResolveError maps resolver failures to the client: unknown key 401,
// unknown or unauthorized deployment 404, data inconsistencies 500.
func writeResolveError(ctx *fasthttp.RequestCtx, err error) {
	if le, ok := err.(*graph.LoadError); ok {
		switch le.HTTPStatus() {
		case fasthttp.StatusUnauthorized:
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		case fasthttp.StatusNotFound:
			apierr.Write(ctx, fasthttp.StatusNotFound,
				le.Error(), apierr.TypeNotFoundError, apierr.CodeUnknownDeployment)
		default:
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
		}
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
}

// checkAdmission runs the virtual key, project, and deployment limit checks
// in that order. Connection limits are evaluated per attempt instead.
func checkAdmission(g *graph.Graph) *usage.ExceededError {
	if err := usage.Check(usage.ResourceVirtualKey, g.VirtualKey.Data.Limits, g.VirtualKey.Usage); err != nil {
		return err
	}
	if err := usage.Check(usage.ResourceProject, g.Project.Data.Limits, g.Project.Usage); err != nil {
		return err
	}
	if err := usage.Check(usage.ResourceDeployment, g.Deployment.Data.Limits, g.Deployment.Usage); err != nil {
		return err
	}
	return nil
}

func (g *Gateway) writeLimitExceeded(ctx *fasthttp.RequestCtx, exceeded *usage.ExceededError) {
	g.metrics.RecordAdmissionRejection(string(exceeded.Metric), string(exceeded.Period))
	apierr.WriteLimitExceeded(ctx, exceeded.Error(), exceeded.Code(), exceeded.Used, exceeded.Limit)
}

// attemptLog captures the identity of one dispatch attempt; the dispatcher
// fills in the outcome before submission.
type attemptLog struct {
	requestID uuid.UUID
	attempt   int
	method    string
	path      string
	requestTS time.Time

	gr   *graph.Graph
	conn *graph.ConnectionNode
}

// submitAttempt emits the request-log row for one attempt and, when the
// attempt reached the upstream, its usage-counter record.
func (g *Gateway) submitAttempt(a attemptLog, status int, errText string, inTokens, outTokens int64, countUsage bool) {
	cost := float64(inTokens)*a.conn.Data.InputTokenPrice +
		float64(outTokens)*a.conn.Data.OutputTokenPrice
	now := time.Now()

	if g.logs != nil {
		ok := g.logs.Submit(entity.RequestLog{
			ID:            uuid.New(),
			RequestID:     a.requestID,
			AttemptNumber: a.attempt,

			VirtualKeyID: a.gr.VirtualKey.Data.ID,
			ProjectID:    a.gr.Project.Data.ID,
			DeploymentID: a.gr.Deployment.Data.ID,
			ConnectionID: a.conn.Data.ID,

			InputTokens:  inTokens,
			OutputTokens: outTokens,
			Cost:         cost,

			HTTPStatusCode: status,
			Error:          errText,

			RequestTS:  a.requestTS,
			ResponseTS: now,

			Method:   a.method,
			Path:     a.path,
			Provider: string(a.conn.Data.Variant.Kind),

			DeploymentName:  a.gr.Deployment.Data.Name,
			ProjectName:     a.gr.Project.Data.Name,
			VirtualKeyAlias: a.gr.VirtualKey.Data.Alias,
		})
		if !ok {
			g.metrics.RecordDroppedTelemetry("request_log")
		}
	}

	if countUsage && g.usage != nil {
		ok := g.usage.Submit(usage.Record{
			VirtualKeyID: a.gr.VirtualKey.Data.ID,
			DeploymentID: a.gr.Deployment.Data.ID,
			ConnectionID: a.conn.Data.ID,
			ProjectID:    a.gr.Project.Data.ID,
			Cost:         cost,
			Tokens:       inTokens + outTokens,
			TS:           a.requestTS,
		})
		if !ok {
			g.metrics.RecordDroppedTelemetry("usage")
		}
	}

	g.metrics.AddTokens(string(a.conn.Data.Variant.Kind), inTokens, outTokens)
}

// requestUUID returns the middleware-assigned request id, or a fresh one
// when the header value is not a UUID.
func requestUUID(ctx *fasthttp.RequestCtx) uuid.UUID {
	if s, ok := ctx.UserValue("request_id").(string); ok {
		if id, err := uuid.Parse(s); err == nil {
			return id
		}
	}
	return uuid.New()
}
