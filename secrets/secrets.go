// Package secrets renders a secrets template into the values the server
// needs at startup.
//
// A template is JSON with text/template actions, for example:
//
//	{
//	  "auth_token": {{ env "TTS_AUTH_TOKEN" | json }},
//	  "bridge_token": {{ op "op://home/ihost/token" | json }}
//	}
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// limit applies to both the template and its rendered output.
const limit = 1 << 20

// Secrets holds the resolved values.
type Secrets struct {
	// AuthToken guards the management API.
	AuthToken string `json:"auth_token,omitempty"`
	// BridgeToken is a hub access token issued out of band. It is stored
	// when no token is held yet, which skips the link button step.
	BridgeToken string `json:"bridge_token,omitempty"`
}

// Provider looks up a secret by reference.
type Provider func(ctx context.Context, ref string) (string, error)

// Option configures a Resolver.
type Option func(*Resolver)

// WithProvider exposes p to templates as a function called name.
func WithProvider(name string, p Provider) Option {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver renders secrets templates.
type Resolver struct {
	providers map[string]Provider
	logger    *slog.Logger
}

// NewResolver returns a Resolver with the built-in env, envDefault, file
// and json functions plus any registered providers.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		providers: map[string]Provider{},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets file: %w", err)
	}
	defer f.Close()

	s, err := r.Resolve(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Resolve renders the template read from src.
func (r *Resolver) Resolve(ctx context.Context, src io.Reader) (*Secrets, error) {
	raw, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading secrets template: %w", err)
	}
	if len(raw) > limit {
		return nil, fmt.Errorf("secrets template larger than %d bytes", limit)
	}

	tmpl, err := template.New("secrets").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing secrets template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering secrets template: %w", err)
	}
	if out.Len() > limit {
		return nil, fmt.Errorf("rendered secrets larger than %d bytes", limit)
	}

	var s Secrets
	dec := json.NewDecoder(&out)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding rendered secrets: %w", err)
	}

	r.logger.Debug("resolved secrets",
		"auth_token", s.AuthToken != "",
		"bridge_token", s.BridgeToken != "")
	return &s, nil
}

func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			v, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return v, nil
		},
		"envDefault": func(key, fallback string) string {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(string(b)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}

	// Each render looks a reference up at most once.
	seen := map[string]string{}
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + "\x00" + ref
			if v, ok := seen[key]; ok {
				return v, nil
			}
			v, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("%s %q: %w", name, ref, err)
			}
			seen[key] = v
			return v, nil
		}
	}
	return fm
}
