package hooks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/swiftcast/session-proxy/internal/config"
)

// ProviderConfig defines one HTTP context provider, loaded from a YAML
// file in the providers directory.
type ProviderConfig struct {
	Name        string            `yaml:"name"`
	Enabled     bool              `yaml:"enabled"`
	Method      string            `yaml:"method"`
	URL         string            `yaml:"url"`
	Body        string            `yaml:"body"`
	Headers     map[string]string `yaml:"headers"`
	TimeoutSecs int               `yaml:"timeout_secs"`
	// JSONPath extracts a value from the response body; empty uses the
	// whole body.
	JSONPath string `yaml:"json_path"`
	// Template renders the extracted value; {{data}} is the placeholder.
	Template string `yaml:"template"`
	// Variables are substituted into URL, headers, and body as ${name},
	// before environment variables.
	Variables map[string]string `yaml:"variables"`
}

// ProviderSet fetches and concatenates context from all enabled providers.
type ProviderSet struct {
	providers []ProviderConfig
	client    *http.Client
}

// LoadProviders reads every .yaml/.yml file in dir. A missing directory
// yields an empty set.
func LoadProviders(dir string) (*ProviderSet, error) {
	set := &ProviderSet{client: &http.Client{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return nil, fmt.Errorf("read providers dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping unreadable provider file")
			continue
		}
		var p ProviderConfig
		if err := yaml.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("skipping malformed provider file")
			continue
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		set.providers = append(set.providers, p)
	}
	log.Info().Int("count", len(set.providers)).Msg("context providers loaded")
	return set, nil
}

// Providers returns the loaded configurations.
func (s *ProviderSet) Providers() []ProviderConfig { return s.providers }

// FetchCombined queries every enabled provider and concatenates the
// rendered results. A failing provider is logged and skipped; the rest
// still contribute.
func (s *ProviderSet) FetchCombined(ctx context.Context) string {
	var parts []string
	for _, p := range s.providers {
		if !p.Enabled {
			continue
		}
		out, err := s.fetchOne(ctx, p)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Name).Msg("context provider failed, skipping")
			continue
		}
		if out != "" {
			parts = append(parts, out)
		}
	}
	return strings.Join(parts, "\n\n")
}

// substitute expands ${name} from the provider's variables first, then the
// process environment.
func substitute(s string, vars map[string]string) string {
	return os.Expand(s, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
}

func (s *ProviderSet) fetchOne(ctx context.Context, p ProviderConfig) (string, error) {
	timeout := config.DefaultProviderTimeout
	if p.TimeoutSecs > 0 {
		timeout = time.Duration(p.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := substitute(p.URL, p.Variables)

	var bodyReader io.Reader
	if p.Body != "" && method != http.MethodGet {
		bodyReader = strings.NewReader(substitute(p.Body, p.Variables))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, substitute(v, p.Variables))
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	data := string(raw)
	if p.JSONPath != "" {
		result := gjson.Get(data, p.JSONPath)
		if !result.Exists() {
			return "", fmt.Errorf("json path %q not found", p.JSONPath)
		}
		data = result.String()
	}
	if p.Template != "" {
		data = strings.ReplaceAll(p.Template, "{{data}}", data)
	}
	return data, nil
}
