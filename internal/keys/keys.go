// Package keys stores provider API keys on disk and resolves which key a
// run should use.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

const keysFile = "keys.json"

var ErrNoKey = errors.New("API key required")

// envVars lists the environment variables consulted per provider, in order.
var envVars = map[string][]string{
	"openai": {"OPENAI_API_KEY"},
	"gemini": {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// Providers returns the provider names keys can be stored for.
func Providers() []string {
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvVars returns the environment variables holding provider's key.
func EnvVars(provider string) []string {
	return envVars[provider]
}

type Store struct {
	configDir string
}

type KeyEntry struct {
	Key string `json:"key"`
}

// Keys is the keys.json layout, keyed by provider name.
type Keys map[string]KeyEntry

func NewStore() (*Store, error) {
	configDir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: configDir}, nil
}

func NewStoreAt(dir string) *Store {
	return &Store{configDir: dir}
}

// ConfigDir returns the platform config directory for agrivqa.
// AGRIVQA_CONFIG_DIR overrides it.
func ConfigDir() (string, error) {
	if dir := os.Getenv("AGRIVQA_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "agrivqa"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "agrivqa"), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "agrivqa"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, keysFile)
}

func (s *Store) load() (Keys, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(Keys), nil
		}
		return nil, err
	}

	var keys Keys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", keysFile, err)
	}
	if keys == nil {
		keys = make(Keys)
	}
	return keys, nil
}

func (s *Store) save(keys Keys) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	// Owner read/write only.
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", keysFile, err)
	}
	return nil
}

func (s *Store) Set(provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("empty key for %s", provider)
	}
	keys, err := s.load()
	if err != nil {
		return err
	}
	keys[provider] = KeyEntry{Key: strings.TrimSpace(key)}
	return s.save(keys)
}

// Get returns the stored key for provider, or "" when none is stored.
func (s *Store) Get(provider string) (string, error) {
	keys, err := s.load()
	if err != nil {
		return "", err
	}
	return keys[provider].Key, nil
}

func (s *Store) Delete(provider string) error {
	keys, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := keys[provider]; !ok {
		return fmt.Errorf("no key found for %s", provider)
	}
	delete(keys, provider)
	return s.save(keys)
}

// List returns the providers with a stored key, sorted.
func (s *Store) List() ([]string, error) {
	keys, err := s.load()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(keys))
	for provider := range keys {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers, nil
}

func (s *Store) Exists(provider string) (bool, error) {
	keys, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := keys[provider]
	return ok, nil
}

// MaskKey keeps the first and last four characters of key.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// Resolve picks the key for provider: the explicit key, then the stored
// key, then the provider's environment variables. It also reports where
// the key came from.
func (s *Store) Resolve(explicit, provider string, getenv func(string) string) (string, string, error) {
	if explicit != "" {
		return explicit, "command-line flag", nil
	}

	if s != nil {
		if stored, err := s.Get(provider); err == nil && stored != "" {
			return stored, fmt.Sprintf("stored key (%s)", s.Path()), nil
		}
	}

	if getenv == nil {
		getenv = os.Getenv
	}
	vars := EnvVars(provider)
	for _, name := range vars {
		if v := getenv(name); v != "" {
			return v, fmt.Sprintf("environment variable (%s)", name), nil
		}
	}

	if len(vars) == 0 {
		return "", "", fmt.Errorf("%w: unknown provider %q", ErrNoKey, provider)
	}
	return "", "", fmt.Errorf("%w: run 'agrivqa keys set %s' or set %s", ErrNoKey, provider, strings.Join(vars, " or "))
}
