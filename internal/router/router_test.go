package router

import (
	"testing"

	prism "github.com/prismproxy/prism/internal"
)

func testConfig() Config {
	return Config{
		Default:              "openai,gpt-4o",
		Background:           "openai,gpt-4o-mini",
		LongContext:          "anthropic,claude-long",
		Reasoning:            "anthropic,claude-think",
		WebSearch:            "perplexity,sonar",
		LongContextThreshold: 1000,
	}
}

func mustRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func req(model string, meta map[string]any) *prism.MessagesRequest {
	return &prism.MessagesRequest{Model: model, Metadata: meta}
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    prism.ProviderModel
		wantErr bool
	}{
		{"openai,gpt-4o", prism.ProviderModel{Provider: "openai", Model: "gpt-4o"}, false},
		{"openai/gpt-4o", prism.ProviderModel{Provider: "openai", Model: "gpt-4o"}, false},
		{" openai , gpt-4o ", prism.ProviderModel{Provider: "openai", Model: "gpt-4o"}, false},
		{"openai", prism.ProviderModel{}, true},
		{"openai,", prism.ProviderModel{}, true},
		{",model", prism.ProviderModel{}, true},
	}
	for _, tc := range cases {
		got, err := ParseTarget(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseTarget(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTarget(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestResolveDefault(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, testConfig())
	got, _ := r.Resolve(req("logical-model", nil), 100)
	if got.String() != "openai/gpt-4o" {
		t.Fatalf("target = %v, want default", got)
	}
}

func TestResolveExplicitTarget(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, testConfig())
	got, _ := r.Resolve(req("groq,llama-70b", nil), 100)
	if got.Provider != "groq" || got.Model != "llama-70b" {
		t.Fatalf("target = %v, want explicit groq/llama-70b", got)
	}

	// Slash form works too, and overrides intent flags.
	got, _ = r.Resolve(req("groq/llama-70b", map[string]any{"background": true}), 100)
	if got.Provider != "groq" {
		t.Fatalf("target = %v, explicit model must win over intent", got)
	}
}

func TestResolveIntentTable(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, testConfig())
	cases := []struct {
		name string
		meta map[string]any
		want string
	}{
		{"background", map[string]any{"background": true}, "openai/gpt-4o-mini"},
		{"reasoning", map[string]any{"reasoning": true}, "anthropic/claude-think"},
		{"thinking alias", map[string]any{"thinking": true}, "anthropic/claude-think"},
		{"web search", map[string]any{"web_search": true}, "perplexity/sonar"},
		{"unconfigured image falls to default", map[string]any{"image": true}, "openai/gpt-4o"},
	}
	for _, tc := range cases {
		got, _ := r.Resolve(req("m", tc.meta), 100)
		if got.String() != tc.want {
			t.Errorf("%s: target = %v, want %s", tc.name, got, tc.want)
		}
	}
}

func TestResolveLongContextByEstimate(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, testConfig())

	got, intent := r.Resolve(req("m", nil), 999)
	if got.String() != "openai/gpt-4o" || intent.LongContext {
		t.Fatalf("below threshold: target = %v, intent = %+v", got, intent)
	}

	got, intent = r.Resolve(req("m", nil), 1000)
	if got.String() != "anthropic/claude-long" || !intent.LongContext {
		t.Fatalf("at threshold: target = %v, intent = %+v", got, intent)
	}
}

func TestLongContextOutranksOtherIntents(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, testConfig())
	got, _ := r.Resolve(req("m", map[string]any{"background": true}), 5000)
	if got.String() != "anthropic/claude-long" {
		t.Fatalf("target = %v, long context must outrank background", got)
	}
}

func TestResolveHookFallback(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Hook = func(req *prism.MessagesRequest, intent prism.Intent) (prism.ProviderModel, bool) {
		if req.Model == "special" {
			return prism.ProviderModel{Provider: "custom", Model: "special-v1"}, true
		}
		return prism.ProviderModel{}, false
	}
	r := mustRouter(t, cfg)

	got, _ := r.Resolve(req("special", nil), 100)
	if got.Provider != "custom" {
		t.Fatalf("target = %v, want hook target", got)
	}

	// The table still wins over the hook for configured intents.
	got, _ = r.Resolve(req("special", map[string]any{"background": true}), 100)
	if got.String() != "openai/gpt-4o-mini" {
		t.Fatalf("target = %v, table must outrank hook", got)
	}

	got, _ = r.Resolve(req("plain", nil), 100)
	if got.String() != "openai/gpt-4o" {
		t.Fatalf("target = %v, want default when hook declines", got)
	}
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()

	r := mustRouter(t, testConfig())
	rq := req("m", map[string]any{"reasoning": true})
	first, _ := r.Resolve(rq, 100)
	for range 10 {
		if got, _ := r.Resolve(rq, 100); got != first {
			t.Fatal("resolution must be deterministic")
		}
	}
}

func TestNewRejectsBadTargets(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Default: ""}); err == nil {
		t.Fatal("missing default must fail")
	}
	if _, err := New(Config{Default: "openai,gpt", Reasoning: "nonsense"}); err == nil {
		t.Fatal("malformed intent target must fail")
	}
}
