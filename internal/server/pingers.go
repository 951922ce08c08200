package server

import (
	"context"
	"fmt"

	"github.com/54b3r/firestarter-go/internal/provider"
)

// LLMPinger probes the backend a chat turn would try first, using the
// provider's zero-token health check. It satisfies the Pinger interface and
// is used by GET /api/ready.
type LLMPinger struct {
	// creds are the server's provider credentials.
	creds provider.Credentials
	// pin is the MODEL_PROVIDER pin, if any.
	pin provider.Backend
}

// NewLLMPinger constructs an LLMPinger for the given credentials and pin.
func NewLLMPinger(creds provider.Credentials, pin provider.Backend) *LLMPinger {
	return &LLMPinger{creds: creds, pin: pin}
}

// Name returns the dependency label used in readiness responses.
func (p *LLMPinger) Name() string { return "llm" }

// Ping selects the primary candidate and runs its health check. Having no
// configured backend at all is a readiness failure: queries cannot succeed.
func (p *LLMPinger) Ping(ctx context.Context) error {
	cands, err := provider.Select(p.creds, p.pin)
	if err != nil {
		return err
	}
	if err := provider.HealthCheck(ctx, cands[0]); err != nil {
		return fmt.Errorf("%s health check failed: %w", cands[0], err)
	}
	return nil
}

// pingable is satisfied by the vector stores, the index registry and the
// Firecrawl client.
type pingable interface {
	Ping(ctx context.Context) error
}

// namedPinger gives a pingable dependency a readiness label.
type namedPinger struct {
	name string
	dep  pingable
}

// NewPinger returns a Pinger that reports dep under name.
func NewPinger(name string, dep pingable) Pinger {
	return namedPinger{name: name, dep: dep}
}

func (p namedPinger) Name() string { return p.name }

func (p namedPinger) Ping(ctx context.Context) error { return p.dep.Ping(ctx) }
