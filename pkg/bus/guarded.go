package bus

import (
	"context"

	"github.com/arcfabric/controlplane/pkg/breaker"
)

// Guarded routes publishes through a circuit breaker so a dead Redis does not
// stall every caller for the full timeout. The dead-letter escape hatch is
// deliberately unguarded: when the primary publish already failed, the DLQ
// copy is the last chance to keep the message.
type Guarded struct {
	bus *StreamBus
	cb  *breaker.Breaker
}

func NewGuarded(bus *StreamBus, cb *breaker.Breaker) *Guarded {
	return &Guarded{bus: bus, cb: cb}
}

func (g *Guarded) Publish(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	return g.cb.Execute(ctx, func(ctx context.Context) error {
		return g.bus.Publish(ctx, subject, payload, headers)
	})
}

func (g *Guarded) PublishDLQ(ctx context.Context, subject string, payload []byte, headers map[string]string) error {
	return g.bus.PublishDLQ(ctx, subject, payload, headers)
}
