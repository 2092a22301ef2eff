package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/Pratyay/agent-studio/errors"
)

// Credentials holds provider API keys read from a credentials.toml file:
//
//	[llm]
//	api_key = "fallback key"
//
//	[anthropic]
//	api_key = "sk-ant-..."
type Credentials struct {
	fallback  string
	providers map[string]string
}

// CredentialPaths returns the default credentials locations in priority
// order.
func CredentialPaths() []string {
	paths := []string{"credentials.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentstudio", "credentials.toml"))
	}
	return paths
}

// LoadCredentials reads path, or the first existing default location when
// path is empty. No file is not an error: the result then only falls back
// to the environment.
func LoadCredentials(path string) (*Credentials, error) {
	if path != "" {
		return LoadCredentialsFile(path)
	}
	for _, p := range CredentialPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadCredentialsFile(p)
		}
	}
	return &Credentials{providers: map[string]string{}}, nil
}

// LoadCredentialsFile reads one credentials file. On Unix the file must not
// be readable by group or others.
func LoadCredentialsFile(path string) (*Credentials, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading credentials", errors.WithMetadata("path", path))
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return nil, errors.InvalidInput("credentials file has insecure permissions",
			errors.WithMetadata("path", path),
			errors.WithMetadata("mode", info.Mode().Perm().String()))
	}

	var raw map[string]interface{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decoding credentials", errors.WithMetadata("path", path))
	}

	c := &Credentials{providers: make(map[string]string)}
	for name, v := range raw {
		section, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		key, _ := section["api_key"].(string)
		if key == "" {
			continue
		}
		if name == "llm" {
			c.fallback = key
		} else {
			c.providers[normalizeProvider(name)] = key
		}
	}
	return c, nil
}

// APIKey returns the key for provider: its own section, then [llm], then
// the provider's environment variable.
func (c *Credentials) APIKey(provider string) string {
	if c != nil {
		if key := c.providers[normalizeProvider(provider)]; key != "" {
			return key
		}
		if c.fallback != "" {
			return c.fallback
		}
	}
	return os.Getenv(apiKeyEnv(provider))
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", ""))
}

func apiKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	}
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}
