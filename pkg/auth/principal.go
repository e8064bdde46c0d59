package auth

import (
	"context"
	"errors"
)

// Principal is the verified identity attached to a request after token
// validation.
type Principal struct {
	ID           string
	Role         string
	Capabilities []Capability
}

// Has reports whether the principal holds the capability.
func (p *Principal) Has(cap Capability) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Missing returns the subset of required capabilities the principal lacks.
func (p *Principal) Missing(required []Capability) []Capability {
	var missing []Capability
	for _, c := range required {
		if !p.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}
