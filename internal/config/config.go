// Package config manages the service configuration file. API keys stored in
// the file are encrypted at rest; values edited in by hand as plaintext are
// accepted and encrypted on the next save.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "MEDBOT_CONFIG"
	// EnvConfigKey holds a 64-char hex encryption key for API keys in the file.
	EnvConfigKey = "MEDBOT_CONFIG_KEY"

	// DefaultPath is the config file used when EnvConfigPath is unset.
	DefaultPath = "./data/config.json"

	keyFileName     = ".config.key"
	encryptedPrefix = "enc:"

	minTopK = 1
	maxTopK = 10
)

// Config is the full service configuration.
type Config struct {
	Dataset     DatasetConfig     `json:"dataset" yaml:"dataset"`
	Embedding   EmbeddingConfig   `json:"embedding" yaml:"embedding"`
	LLM         LLMConfig         `json:"llm" yaml:"llm"`
	Retrieval   RetrievalConfig   `json:"retrieval" yaml:"retrieval"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Credentials CredentialsConfig `json:"credentials" yaml:"credentials"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Tracing     TracingConfig     `json:"tracing" yaml:"tracing"`
}

// DatasetConfig locates the case source and sets chunking parameters.
type DatasetConfig struct {
	CandidatePaths []string `json:"candidate_paths" yaml:"candidate_paths"`
	IndexPath      string   `json:"index_path" yaml:"index_path"`
	ChunkSize      int      `json:"chunk_size" yaml:"chunk_size"`
	Overlap        int      `json:"overlap" yaml:"overlap"`
	BatchSize      int      `json:"batch_size" yaml:"batch_size"`
}

// EmbeddingConfig configures the embedding API.
type EmbeddingConfig struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	ModelName      string `json:"model_name" yaml:"model_name"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// LLMConfig configures chat completion.
type LLMConfig struct {
	Endpoint     string   `json:"endpoint" yaml:"endpoint"`
	APIKey       string   `json:"api_key" yaml:"api_key"`
	Models       []string `json:"models" yaml:"models"`
	Temperature  float64  `json:"temperature" yaml:"temperature"`
	MaxTokens    int      `json:"max_tokens" yaml:"max_tokens"`
	Instructions string   `json:"instructions" yaml:"instructions"`
}

// RetrievalConfig configures search.
type RetrievalConfig struct {
	TopK       int    `json:"top_k" yaml:"top_k"`
	Strategy   string `json:"strategy" yaml:"strategy"`
	QueryCache bool   `json:"query_cache" yaml:"query_cache"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr               string   `json:"addr" yaml:"addr"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	AllowedOrigins     []string `json:"allowed_origins" yaml:"allowed_origins"`
	// TrustProxy keys rate limiting by X-Forwarded-For; set it only behind a
	// reverse proxy that overwrites the header.
	TrustProxy bool `json:"trust_proxy" yaml:"trust_proxy"`
}

// CredentialsConfig names where the API key is looked up.
type CredentialsConfig struct {
	EnvVar  string `json:"env_var" yaml:"env_var"`
	EnvFile string `json:"env_file" yaml:"env_file"`
	KeyFile string `json:"key_file" yaml:"key_file"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// TracingConfig configures the Jaeger exporter. An empty endpoint disables it.
type TracingConfig struct {
	JaegerEndpoint string `json:"jaeger_endpoint" yaml:"jaeger_endpoint"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Dataset: DatasetConfig{
			CandidatePaths: []string{"Deidentified Data Set 2.xlsx"},
			IndexPath:      "./data/medbot_vectors.index",
			ChunkSize:      800,
			Overlap:        120,
			BatchSize:      64,
		},
		Embedding: EmbeddingConfig{
			Endpoint:       "https://api.openai.com/v1",
			ModelName:      "text-embedding-3-small",
			TimeoutSeconds: 30,
		},
		LLM: LLMConfig{
			Endpoint:    "https://api.openai.com/v1",
			Models:      []string{"gpt-4.1-mini"},
			Temperature: 0.3,
			MaxTokens:   1024,
		},
		Retrieval: RetrievalConfig{
			TopK:       5,
			Strategy:   "semantic",
			QueryCache: true,
		},
		Server: ServerConfig{
			Addr:               "127.0.0.1:5000",
			RateLimitPerMinute: 30,
		},
		Credentials: CredentialsConfig{
			EnvVar:  "OPENAI_API_KEY",
			EnvFile: ".env",
			KeyFile: "PrivateKey.txt",
		},
		Database: DatabaseConfig{Path: "./data/medbot.db"},
		Tracing:  TracingConfig{ServiceName: "medbot"},
	}
}

// Model returns the first configured chat model.
func (c *Config) Model() string {
	for _, m := range c.LLM.Models {
		if m = strings.TrimSpace(m); m != "" {
			return m
		}
	}
	return "gpt-4.1-mini"
}

// TopK returns the configured top_k clamped to [1, 10].
func (c *Config) TopK() int {
	return ClampTopK(c.Retrieval.TopK)
}

// ClampTopK clamps k to [1, 10].
func ClampTopK(k int) int {
	return max(minTopK, min(maxTopK, k))
}

func (c *Config) clone() *Config {
	cp := *c
	cp.Dataset.CandidatePaths = append([]string(nil), c.Dataset.CandidatePaths...)
	cp.LLM.Models = append([]string(nil), c.LLM.Models...)
	cp.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return &cp
}

// ConfigManager loads, updates and persists a Config.
type ConfigManager struct {
	mu     sync.RWMutex
	path   string
	key    []byte
	config *Config
}

// PathFromEnv returns the config path from EnvConfigPath or DefaultPath.
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// NewConfigManager creates a manager for path. The encryption key comes from
// EnvConfigKey, or from a key file next to the config, generated on first use.
func NewConfigManager(path string) (*ConfigManager, error) {
	key, err := loadKey(path)
	if err != nil {
		return nil, err
	}
	return NewConfigManagerWithKey(path, key)
}

// NewConfigManagerWithKey creates a manager with an explicit 32-byte key.
func NewConfigManagerWithKey(path string, key []byte) (*ConfigManager, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &ConfigManager{path: path, key: append([]byte(nil), key...), config: DefaultConfig()}, nil
}

func loadKey(configPath string) ([]byte, error) {
	if h := strings.TrimSpace(os.Getenv(EnvConfigKey)); h != "" {
		key, err := hex.DecodeString(h)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%s must be %d hex characters", EnvConfigKey, 2*chacha20poly1305.KeySize)
		}
		return key, nil
	}

	keyPath := filepath.Join(filepath.Dir(configPath), keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("invalid key file %s", keyPath)
		}
		return key, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// Path returns the config file path.
func (cm *ConfigManager) Path() string { return cm.path }

func (cm *ConfigManager) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(cm.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the config file. A missing file is created with defaults.
// Fields absent from the file keep their defaults.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.path)
	if errors.Is(err, os.ErrNotExist) {
		cm.mu.Lock()
		cm.config = DefaultConfig()
		cm.mu.Unlock()
		return cm.Save()
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if cm.isYAML() {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", cm.path, err)
	}

	plaintext := isPlaintextKey(cfg.LLM.APIKey) || isPlaintextKey(cfg.Embedding.APIKey)
	if cfg.LLM.APIKey, err = cm.decryptIfNeeded(cfg.LLM.APIKey); err != nil {
		return fmt.Errorf("decrypt llm.api_key: %w", err)
	}
	if cfg.Embedding.APIKey, err = cm.decryptIfNeeded(cfg.Embedding.APIKey); err != nil {
		return fmt.Errorf("decrypt embedding.api_key: %w", err)
	}
	// Keys pasted into the file by hand are rewritten encrypted.
	if plaintext {
		if err := cm.write(cfg); err != nil {
			return fmt.Errorf("encrypt api keys: %w", err)
		}
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}

func isPlaintextKey(v string) bool {
	return v != "" && !strings.HasPrefix(v, encryptedPrefix)
}

// Save writes the config with API keys encrypted.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	out := cm.config.clone()
	cm.mu.RUnlock()
	return cm.write(out)
}

func (cm *ConfigManager) write(cfg *Config) error {
	out := cfg.clone()
	out.LLM.APIKey = cm.encryptIfNeeded(out.LLM.APIKey)
	out.Embedding.APIKey = cm.encryptIfNeeded(out.Embedding.APIKey)

	var (
		data []byte
		err  error
	)
	if cm.isYAML() {
		data, err = yaml.Marshal(out)
	} else {
		data, err = json.MarshalIndent(out, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cm.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(cm.path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Get returns a copy of the current config.
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.clone()
}

// Update applies dotted-key updates and persists them. Unknown keys and
// values of the wrong type are rejected and nothing is changed.
func (cm *ConfigManager) Update(updates map[string]interface{}) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	next := cm.config.clone()
	for key, value := range updates {
		if err := applyUpdate(next, key, value); err != nil {
			return err
		}
	}
	if err := cm.write(next); err != nil {
		return err
	}
	cm.config = next
	return nil
}

// Set updates one dotted key from its command-line text. The text is read as
// a YAML scalar or flow list, so "8", "0.5", "true" and "[a, b]" arrive typed;
// a key that expects a string gets the raw text when the typed value does not
// fit.
func (cm *ConfigManager) Set(key, raw string) error {
	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		value = raw
	}
	err := cm.Update(map[string]interface{}{key: value})
	if err != nil {
		if _, isString := value.(string); !isString {
			if retryErr := cm.Update(map[string]interface{}{key: raw}); retryErr == nil {
				return nil
			}
		}
	}
	return err
}

func applyUpdate(c *Config, key string, value interface{}) error {
	var err error
	switch key {
	case "dataset.candidate_paths":
		c.Dataset.CandidatePaths, err = toStrings(value)
	case "dataset.index_path":
		c.Dataset.IndexPath, err = toString(value)
	case "dataset.chunk_size":
		c.Dataset.ChunkSize, err = toInt(value)
	case "dataset.overlap":
		c.Dataset.Overlap, err = toInt(value)
	case "dataset.batch_size":
		c.Dataset.BatchSize, err = toInt(value)
	case "embedding.endpoint":
		c.Embedding.Endpoint, err = toString(value)
	case "embedding.api_key":
		c.Embedding.APIKey, err = toString(value)
	case "embedding.model_name":
		c.Embedding.ModelName, err = toString(value)
	case "embedding.timeout_seconds":
		c.Embedding.TimeoutSeconds, err = toInt(value)
	case "llm.endpoint":
		c.LLM.Endpoint, err = toString(value)
	case "llm.api_key":
		c.LLM.APIKey, err = toString(value)
	case "llm.models":
		c.LLM.Models, err = toStrings(value)
	case "llm.temperature":
		c.LLM.Temperature, err = toFloat(value)
	case "llm.max_tokens":
		c.LLM.MaxTokens, err = toInt(value)
	case "llm.instructions":
		c.LLM.Instructions, err = toString(value)
	case "retrieval.top_k":
		c.Retrieval.TopK, err = toInt(value)
	case "retrieval.strategy":
		var s string
		if s, err = toString(value); err == nil {
			switch s {
			case "semantic", "lexical", "auto":
				c.Retrieval.Strategy = s
			default:
				err = fmt.Errorf("unknown strategy %q", s)
			}
		}
	case "retrieval.query_cache":
		c.Retrieval.QueryCache, err = toBool(value)
	case "server.addr":
		c.Server.Addr, err = toString(value)
	case "server.rate_limit_per_minute":
		c.Server.RateLimitPerMinute, err = toInt(value)
	case "server.allowed_origins":
		c.Server.AllowedOrigins, err = toStrings(value)
	case "server.trust_proxy":
		c.Server.TrustProxy, err = toBool(value)
	case "credentials.env_var":
		c.Credentials.EnvVar, err = toString(value)
	case "credentials.env_file":
		c.Credentials.EnvFile, err = toString(value)
	case "credentials.key_file":
		c.Credentials.KeyFile, err = toString(value)
	case "database.path":
		c.Database.Path, err = toString(value)
	case "tracing.jaeger_endpoint":
		c.Tracing.JaegerEndpoint, err = toString(value)
	case "tracing.service_name":
		c.Tracing.ServiceName, err = toString(value)
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

func toString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toBool(v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", v)
	}
	return b, nil
}

func toStrings(v interface{}) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list, found %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string list, got %T", v)
}

func (cm *ConfigManager) encryptIfNeeded(plain string) string {
	if plain == "" || strings.HasPrefix(plain, encryptedPrefix) {
		return plain
	}
	aead, err := chacha20poly1305.NewX(cm.key)
	if err != nil {
		return plain
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return plain
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed)
}

func (cm *ConfigManager) decryptIfNeeded(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(cm.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}
