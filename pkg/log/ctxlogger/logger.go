package ctxlogger

import (
	"context"
	"sync/atomic"

	"github.com/unprice/entitlements/internal/reqcontext"
	"go.uber.org/zap"
)

var serviceName atomic.Pointer[string]

// SetServiceName configures the service name added to every log entry.
func SetServiceName(name string) {
	serviceName.Store(&name)
}

// FromContext returns a logger enriched with the wide-event fields
// carried explicitly on ctx (see package reqcontext).
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext enriches the provided logger using the explicit WideEvent
// attached to ctx, rather than pulling from any ambient/global source.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}

	name := "unknown"
	if namePtr := serviceName.Load(); namePtr != nil {
		name = *namePtr
	}
	fields := []zap.Field{zap.String("service", name)}

	event := reqcontext.From(ctx)
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.ProjectID != "" {
		fields = append(fields, zap.String("project_id", event.ProjectID))
	}
	if event.CustomerID != "" {
		fields = append(fields, zap.String("customer_id", event.CustomerID))
	}

	return base.With(fields...)
}
