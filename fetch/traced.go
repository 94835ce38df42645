package fetch

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/offline"
)

// Traced wraps a Network with one span per fetch.
type Traced struct {
	next   offline.Network
	tracer trace.Tracer
}

var _ offline.Network = Traced{}

func NewTraced(next offline.Network, tracer trace.Tracer) Traced {
	return Traced{next: next, tracer: tracer}
}

func (t Traced) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	ctx, span := t.tracer.Start(ctx, "offline.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL),
		))
	defer span.End()

	resp, err := t.next.Fetch(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	if resp.Status >= 500 {
		span.SetStatus(codes.Error, "server error")
	}
	return resp, nil
}
