package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the LLM provider names the adapter can construct.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
}

// validTiers are the quality tiers the routing table may declare.
var validTiers = []string{"cheap", "normal", "premium"}

// Load reads the YAML configuration file at path, expands ${ENV_VAR}
// references, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return ""
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides honours the v1 collaborator environment variables, which
// take precedence over the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("V1_SCREENSHOT__BASE_URL"); v != "" {
		cfg.Screenshot.BaseURL = v
	}
	if v := os.Getenv("V1_LOGGING__LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
}

// ApplyDefaults fills in the documented default values for unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if len(cfg.Server.SupportedLanguages) == 0 {
		cfg.Server.SupportedLanguages = []string{"zh", "en"}
	}
	if cfg.LLM.MultimodalImageFormat == "" {
		cfg.LLM.MultimodalImageFormat = ImageFormatURL
	}
	if cfg.LLM.CoolOffSeconds <= 0 {
		cfg.LLM.CoolOffSeconds = 60
	}
	if cfg.Pipeline.MaxRetries <= 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.TimeoutSeconds <= 0 {
		cfg.Pipeline.TimeoutSeconds = 30
	}
	if cfg.Pipeline.CostLimitUSD <= 0 {
		cfg.Pipeline.CostLimitUSD = 0.1
	}
	if cfg.Pipeline.IntimacyFailOpen == nil {
		open := true
		cfg.Pipeline.IntimacyFailOpen = &open
	}
	if cfg.Pipeline.FailedRepliesDir == "" {
		cfg.Pipeline.FailedRepliesDir = "failed_replies"
	}
	if cfg.Prompt.Dir == "" {
		cfg.Prompt.Dir = "prompts"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Screenshot.TimeoutSeconds <= 0 {
		cfg.Screenshot.TimeoutSeconds = 15
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.LLM.MultimodalImageFormat.IsValid() {
		errs = append(errs, fmt.Errorf("llm.multimodal_image_format %q is invalid; valid values: url, base64", cfg.LLM.MultimodalImageFormat))
	}
	if !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheRedis && cfg.Cache.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("cache.redis.addr is required when cache.backend is redis"))
	}

	configured := make(map[string]int, len(cfg.LLM.Providers))
	for i, p := range cfg.LLM.Providers {
		prefix := fmt.Sprintf("llm.providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := configured[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of llm.providers[%d]", prefix, p.Name, prev))
		}
		configured[p.Name] = i
		if !slices.Contains(ValidProviderNames, p.Name) {
			slog.Warn("unknown provider name — may be a typo or third-party provider",
				"name", p.Name,
				"known", ValidProviderNames,
			)
		}
	}

	for tier, routes := range cfg.LLM.Routing {
		if !slices.Contains(validTiers, tier) {
			errs = append(errs, fmt.Errorf("llm.routing tier %q is invalid; valid tiers: cheap, normal, premium", tier))
		}
		for i, rt := range routes {
			prefix := fmt.Sprintf("llm.routing.%s[%d]", tier, i)
			if rt.Provider == "" || rt.Model == "" {
				errs = append(errs, fmt.Errorf("%s: provider and model are both required", prefix))
				continue
			}
			if _, ok := configured[rt.Provider]; !ok {
				errs = append(errs, fmt.Errorf("%s references provider %q which is not in llm.providers", prefix, rt.Provider))
			}
		}
	}

	if cfg.LLM.DefaultProvider != "" {
		if _, ok := configured[cfg.LLM.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("llm.default_provider %q is not in llm.providers", cfg.LLM.DefaultProvider))
		}
		if cfg.LLM.DefaultModel == "" {
			errs = append(errs, fmt.Errorf("llm.default_model is required when llm.default_provider is set"))
		}
	}
	if cfg.LLM.DisableQualityRouting && cfg.LLM.DefaultProvider == "" {
		errs = append(errs, fmt.Errorf("llm.disable_quality_routing requires llm.default_provider"))
	}
	if len(cfg.LLM.Providers) == 0 {
		slog.Warn("no LLM providers configured; reply generation will always fall back to templates")
	}

	if cfg.Pipeline.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries %d is out of range [1, 10]", cfg.Pipeline.MaxRetries))
	}
	if cfg.Screenshot.BaseURL == "" {
		slog.Warn("screenshot.base_url is empty; image requests will fail with image_load_failed")
	}
	if cfg.Database.URL == "" {
		slog.Warn("database.url is empty; audit records will be logged instead of persisted")
	}

	return errors.Join(errs...)
}
