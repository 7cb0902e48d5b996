// Package router resolves a logical request to a concrete provider/model
// target. Resolution is deterministic: the same request always lands on the
// same target.
package router

import (
	"fmt"
	"strings"

	prism "github.com/prismproxy/prism/internal"
)

// Hook lets embedders route requests the intent table does not cover. It
// runs after the table and before the default; returning false falls through.
type Hook func(req *prism.MessagesRequest, intent prism.Intent) (prism.ProviderModel, bool)

// Config maps intents to "provider,model" targets. Empty entries disable
// that intent's routing.
type Config struct {
	Default              string
	Background           string
	LongContext          string
	Reasoning            string
	WebSearch            string
	Image                string
	Subagent             string
	LongContextThreshold int
	Hook                 Hook
}

// Router resolves requests.
type Router struct {
	defaultTarget prism.ProviderModel
	background    *prism.ProviderModel
	longContext   *prism.ProviderModel
	reasoning     *prism.ProviderModel
	webSearch     *prism.ProviderModel
	image         *prism.ProviderModel
	subagent      *prism.ProviderModel
	longThreshold int
	hook          Hook
}

// New validates the target table and builds the router. A default target is
// required; intent entries are optional.
func New(cfg Config) (*Router, error) {
	def, err := ParseTarget(cfg.Default)
	if err != nil {
		return nil, fmt.Errorf("router: default target: %w", err)
	}
	parse := func(name, raw string) (*prism.ProviderModel, error) {
		if raw == "" {
			return nil, nil
		}
		t, err := ParseTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("router: %s target: %w", name, err)
		}
		return &t, nil
	}

	r := &Router{defaultTarget: def, longThreshold: cfg.LongContextThreshold, hook: cfg.Hook}
	if r.longThreshold <= 0 {
		r.longThreshold = 60_000
	}
	if r.background, err = parse("background", cfg.Background); err != nil {
		return nil, err
	}
	if r.longContext, err = parse("long_context", cfg.LongContext); err != nil {
		return nil, err
	}
	if r.reasoning, err = parse("reasoning", cfg.Reasoning); err != nil {
		return nil, err
	}
	if r.webSearch, err = parse("web_search", cfg.WebSearch); err != nil {
		return nil, err
	}
	if r.image, err = parse("image", cfg.Image); err != nil {
		return nil, err
	}
	if r.subagent, err = parse("subagent", cfg.Subagent); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseTarget parses "provider,model" (or "provider/model") into a pair.
func ParseTarget(s string) (prism.ProviderModel, error) {
	sep := ","
	if !strings.Contains(s, ",") {
		sep = "/"
	}
	provider, model, ok := strings.Cut(s, sep)
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return prism.ProviderModel{}, fmt.Errorf("invalid target %q, want provider,model", s)
	}
	return prism.ProviderModel{Provider: provider, Model: model}, nil
}

// Resolve picks the target for the request.
//
// An explicit "provider,model" or "provider/model" value in the model field
// short-circuits routing. Otherwise the request's intent flags consult the
// table in precedence order: long context (flag, or token estimate at the
// threshold), background, subagent, reasoning, web search, image. When no
// configured intent matches, the hook gets a chance before the default.
func (r *Router) Resolve(req *prism.MessagesRequest, tokenEstimate int) (prism.ProviderModel, prism.Intent) {
	intent := prism.IntentOf(req)
	if tokenEstimate >= r.longThreshold {
		intent.LongContext = true
	}

	if strings.Contains(req.Model, ",") || strings.Contains(req.Model, "/") {
		if t, err := ParseTarget(req.Model); err == nil {
			return t, intent
		}
	}

	for _, c := range []struct {
		on     bool
		target *prism.ProviderModel
	}{
		{intent.LongContext, r.longContext},
		{intent.Background, r.background},
		{intent.Subagent, r.subagent},
		{intent.Reasoning, r.reasoning},
		{intent.WebSearch, r.webSearch},
		{intent.Image, r.image},
	} {
		if c.on && c.target != nil {
			return *c.target, intent
		}
	}

	if r.hook != nil {
		if t, ok := r.hook(req, intent); ok {
			return t, intent
		}
	}
	return r.defaultTarget, intent
}
