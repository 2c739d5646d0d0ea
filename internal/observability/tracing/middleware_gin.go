package tracing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/genbroker/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrAccountID       = "genbroker.account_id"
	AttrJobID           = "genbroker.job_id"
	AttrBackend         = "genbroker.backend"
	AttrPaymentProvider = "genbroker.payment_provider"
)

// GinMiddleware starts a server span per request and tags it with the job,
// account or provider named by the route.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("genbroker/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method)+" "+route,
			trace.WithSpanKind(trace.SpanKindServer))

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			ctx = withRequestBaggage(ctx, requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		ctx = annotateRoute(ctx, span, route, c.Param)

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
		)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

// annotateRoute copies the identifiers carried in the path onto the span
// and into the request context for loggers.
func annotateRoute(ctx context.Context, span trace.Span, route string, param func(string) string) context.Context {
	switch {
	case strings.HasPrefix(route, "/api/generations/:id"):
		if id := strings.TrimSpace(param("id")); id != "" {
			span.SetAttributes(attribute.String(AttrJobID, id))
			ctx = obscontext.WithJobID(ctx, id)
		}
	case strings.HasPrefix(route, "/api/accounts/:id"):
		if id := strings.TrimSpace(param("id")); id != "" {
			span.SetAttributes(attribute.String(AttrAccountID, id))
			ctx = obscontext.WithAccountID(ctx, id)
		}
	case strings.HasPrefix(route, "/api/backends/:backend"):
		if name := strings.TrimSpace(param("backend")); name != "" {
			span.SetAttributes(attribute.String(AttrBackend, name))
		}
	case strings.HasPrefix(route, "/api/payments/webhooks/:provider"):
		if name := strings.TrimSpace(param("provider")); name != "" {
			span.SetAttributes(attribute.String(AttrPaymentProvider, name))
		}
	}
	return ctx
}

// AnnotateAccount tags the request with an account known only after the
// body is decoded.
func AnnotateAccount(c *gin.Context, accountID string) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return
	}
	c.Set("account_id", accountID)
	ctx := c.Request.Context()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(AttrAccountID, accountID))
	c.Request = c.Request.WithContext(obscontext.WithAccountID(ctx, accountID))
}

func withRequestBaggage(ctx context.Context, requestID string) context.Context {
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.New(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
