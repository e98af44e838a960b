package config

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KBC_"
)

// nestedSections lists sub-sections whose env names need a second dot,
// e.g. KBC_KNOWLEDGE_DIFY_API_KEY -> knowledge.dify.api_key.
var nestedSections = map[string][]string{
	"knowledge": {"dify", "local", "qdrant"},
}

// legacyEnv maps the environment names used by earlier deployments onto
// config keys. KBC_ variables take precedence over these.
var legacyEnv = []struct {
	name string
	key  string
}{
	{"AI_API_KEY", "llm.api_key"},
	{"AI_BASE_URL", "llm.base_url"},
	{"AI_MODEL", "llm.model"},
	{"AI_MAX_TOKENS", "pipeline.max_total_tokens"},
	{"DIFY_API_KEY", "knowledge.dify.api_key"},
	{"DIFY_API_BASE_URL", "knowledge.dify.base_url"},
	{"DIFY_KNOWLEDGE_BASE_ID", "knowledge.dify.dataset_id"},
	{"DIFY_DATASET_ID", "knowledge.dify.dataset_id"},
}

// Load loads configuration from defaults and environment only.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration.
//
// Precedence (highest to lowest):
//  1. KBC_ environment variables (KBC_PIPELINE_CHUNK_SIZE -> pipeline.chunk_size)
//  2. Legacy environment variables (AI_API_KEY, DIFY_DATASET_ID, ...)
//  3. YAML config file, when configPath is non-empty
//  4. Defaults
//
// The file must be at most 1MB and must not be group or world writable.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	for _, le := range legacyEnv {
		if v, ok := os.LookupEnv(le.name); ok && v != "" {
			if err := k.Set(le.key, v); err != nil {
				return nil, fmt.Errorf("failed to apply %s: %w", le.name, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps KBC_SECTION_FIELD_NAME to section.field_name. Only the first
// underscore separates the section, except for nested sections.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, sub := range nestedSections[section] {
		if rest, found := strings.CutPrefix(field, sub+"_"); found {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFile(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFile(info fs.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", info.Name())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		return fmt.Errorf("config file has insecure permissions %o (must not be group/world writable)", perm)
	}
	return nil
}
