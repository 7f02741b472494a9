package refunds

import (
	"context"
	"encoding/json"
	"fmt"
)

// Gateway executes refunds against one external acquirer. Failures are
// reported as *AcquirerAPIError carrying a human-readable description.
type Gateway interface {
	ExecuteRefund(ctx context.Context, refund Refund) (json.RawMessage, error)
}

// Registry maps acquirer codes to their gateway implementations. It is
// built once at startup; unknown codes fail fast rather than falling
// back to a dynamic lookup.
type Registry struct {
	gateways map[AcquirerCode]Gateway
}

// NewRegistry constructs a registry over the given gateways.
func NewRegistry(gateways map[AcquirerCode]Gateway) *Registry {
	m := make(map[AcquirerCode]Gateway, len(gateways))
	for code, gw := range gateways {
		m[code] = gw
	}
	return &Registry{gateways: m}
}

// Resolve returns the gateway registered for the acquirer code.
func (r *Registry) Resolve(code AcquirerCode) (Gateway, error) {
	gw, ok := r.gateways[code]
	if !ok {
		return nil, fmt.Errorf("no gateway registered for acquirer %q", code)
	}
	return gw, nil
}
