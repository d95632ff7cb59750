// Package credential resolves the API key used for embedding and chat calls.
package credential

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultEnvVar is the environment variable holding the API key.
const DefaultEnvVar = "OPENAI_API_KEY"

// Provider returns the current API key, or "" when none is configured.
type Provider interface {
	APIKey() string
}

// Static is a fixed key.
type Static string

// APIKey returns the key itself.
func (s Static) APIKey() string { return strings.TrimSpace(string(s)) }

// EnvProvider reads the key from an environment variable after loading any
// dotenv files. Variables already present in the environment are never
// overridden by the files.
type EnvProvider struct {
	Var      string
	EnvFiles []string
}

// NewEnvProvider creates an EnvProvider for variable, loading envFiles first.
func NewEnvProvider(variable string, envFiles ...string) *EnvProvider {
	if variable == "" {
		variable = DefaultEnvVar
	}
	return &EnvProvider{Var: variable, EnvFiles: envFiles}
}

// APIKey loads the dotenv files that exist and returns the variable's value.
func (p *EnvProvider) APIKey() string {
	for _, f := range p.EnvFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[Credential] failed to load %s: %v", f, err)
		}
	}
	return strings.TrimSpace(os.Getenv(p.Var))
}

// KeyFileProvider reads the key from a file holding either a bare key or
// KEY=VALUE lines.
type KeyFileProvider struct {
	Path string
	Var  string
}

// NewKeyFileProvider creates a KeyFileProvider reading variable from path.
func NewKeyFileProvider(path, variable string) *KeyFileProvider {
	if variable == "" {
		variable = DefaultEnvVar
	}
	return &KeyFileProvider{Path: path, Var: variable}
}

// APIKey returns the key in the file, or "" when the file is absent or empty.
func (p *KeyFileProvider) APIKey() string {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return ""
	}
	return ParseKeyFile(string(data), p.Var)
}

// ParseKeyFile extracts variable from KEY=VALUE content. Content without any
// assignment is treated as a bare key.
func ParseKeyFile(content, variable string) string {
	content = strings.TrimSpace(strings.TrimPrefix(content, "\ufeff"))
	if content == "" {
		return ""
	}
	if !strings.Contains(content, "=") {
		return content
	}
	values, err := godotenv.Parse(strings.NewReader(content))
	if err != nil {
		log.Printf("[Credential] key file is not valid KEY=VALUE content: %v", err)
		return ""
	}
	return strings.TrimSpace(values[variable])
}

// Chain tries each provider in order and returns the first non-empty key.
type Chain []Provider

// APIKey returns the first non-empty key in the chain.
func (c Chain) APIKey() string {
	for _, p := range c {
		if p == nil {
			continue
		}
		if key := p.APIKey(); key != "" {
			return key
		}
	}
	return ""
}
