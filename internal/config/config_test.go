package config

import (
	"testing"
	"time"
)

const sample = `{
	// inbound listener
	"server": {"addr": ":9000", "request_timeout": "45s"},
	"auth": {"scheme": "static", "static_keys": ["sk-test-1"]},
	"providers": [
		{"name": "anthropic", "base_url": "https://api.anthropic.com/v1", "transformer": "passthrough"},
		{"name": "openai", "base_url": "https://api.openai.com/v1", "sequential": true}
	],
	"keys": {
		"strategy": "round-robin",
		"keys": [
			{"id": "k1", "provider": "anthropic", "secret": "$PRISM_TEST_SECRET", "weight": 2},
			{"id": "k2", "provider": "anthropic", "secret": "${PRISM_TEST_SECRET}"}
		]
	},
	/* cache policy */
	"cache": {"enabled": true, "max_entries": 100, "ttl": "600s"},
	"router": {"default": "anthropic,claude-sonnet"}
}`

func TestParse(t *testing.T) {
	t.Setenv("PRISM_TEST_SECRET", "s3cret")

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Server.RequestTimeout != 45*time.Second {
		t.Errorf("request_timeout = %v, want 45s", cfg.Server.RequestTimeout)
	}
	// Defaults survive when the file does not override them.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read_timeout = %v, want default 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Cache.TempCeiling != 0.7 {
		t.Errorf("temp_ceiling = %v, want default 0.7", cfg.Cache.TempCeiling)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	if !cfg.Providers[1].Sequential {
		t.Error("openai should be sequential")
	}
	if p := cfg.Provider("anthropic"); p == nil || p.Transformer != "passthrough" {
		t.Errorf("Provider(anthropic) = %+v", p)
	}

	if got := cfg.Keys.Keys[0].Secret; got != "s3cret" {
		t.Errorf("$VAR expansion: secret = %q", got)
	}
	if got := cfg.Keys.Keys[1].Secret; got != "s3cret" {
		t.Errorf("${VAR} expansion: secret = %q", got)
	}

	if cfg.Cache.TTL != 600*time.Second {
		t.Errorf("cache ttl = %v, want 600s", cfg.Cache.TTL)
	}
	if !cfg.Cache.CoalesceEnabled() {
		t.Error("coalesce should default to true")
	}
	if cfg.Router.Default != "anthropic,claude-sonnet" {
		t.Errorf("router default = %q", cfg.Router.Default)
	}
}

func TestParseUnsetEnvLeftVerbatim(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`{"database": {"dsn": "$PRISM_NO_SUCH_VAR"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.DSN != "$PRISM_NO_SUCH_VAR" {
		t.Errorf("dsn = %q, want verbatim placeholder", cfg.Database.DSN)
	}
}

func TestStripCommentsKeepsStrings(t *testing.T) {
	t.Parallel()

	in := `{"url": "http://host/path", "s": "say \"hi\" // ok"} // tail`
	out := string(stripComments([]byte(in)))
	want := `{"url": "http://host/path", "s": "say \"hi\" // ok"} `
	if out != want {
		t.Errorf("stripComments = %q, want %q", out, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
	}{
		{"static without keys", `{"auth": {"scheme": "static"}}`},
		{"jwt without secret", `{"auth": {"scheme": "jwt"}}`},
		{"unknown scheme", `{"auth": {"scheme": "mtls"}}`},
		{"provider without url", `{"providers": [{"name": "x"}]}`},
		{"duplicate provider", `{"providers": [{"name": "x", "base_url": "http://a"}, {"name": "x", "base_url": "http://b"}]}`},
		{"key without secret", `{"keys": {"keys": [{"id": "k", "provider": "p"}]}}`},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.in)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
