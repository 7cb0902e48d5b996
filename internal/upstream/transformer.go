// Package upstream dispatches proxied requests to provider APIs over the
// connection pool and relays their responses, including SSE streams.
package upstream

import (
	"encoding/json"
	"fmt"
	"sync"

	prism "github.com/prismproxy/prism/internal"
)

// Transformer adapts request and response bodies for one provider family.
// Implementations must be safe for concurrent use.
type Transformer interface {
	// Name is the transformer identifier referenced from provider config.
	Name() string
	// TransformRequest produces the upstream body for the resolved target.
	TransformRequest(req *prism.MessagesRequest, target prism.ProviderModel) ([]byte, error)
	// TransformResponse maps a non-streaming upstream body back to the
	// client-facing shape.
	TransformResponse(body []byte) ([]byte, error)
}

// Passthrough forwards bodies as-is, rewriting only the model field to the
// resolved target. It suits providers that already speak the inbound format.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) TransformRequest(req *prism.MessagesRequest, target prism.ProviderModel) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(req.Raw, &m); err != nil {
		return nil, prism.E(prism.KindBadRequest, "invalid request body: "+err.Error())
	}
	m["model"] = target.Model
	return json.Marshal(m)
}

func (Passthrough) TransformResponse(body []byte) ([]byte, error) {
	return body, nil
}

// Registry holds named transformers.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Transformer
}

// NewRegistry creates a registry pre-seeded with the passthrough transformer.
func NewRegistry() *Registry {
	r := &Registry{m: make(map[string]Transformer)}
	r.Register(Passthrough{})
	return r
}

// Register adds or replaces a transformer under its name.
func (r *Registry) Register(t Transformer) {
	r.mu.Lock()
	r.m[t.Name()] = t
	r.mu.Unlock()
}

// Get returns the named transformer; empty name resolves to passthrough.
func (r *Registry) Get(name string) (Transformer, error) {
	if name == "" {
		name = "passthrough"
	}
	r.mu.RLock()
	t, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transformer %q", name)
	}
	return t, nil
}
