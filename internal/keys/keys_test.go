package keys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStore_ConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGRIVQA_CONFIG_DIR", dir)

	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store.Path() != filepath.Join(dir, "keys.json") {
		t.Errorf("Path() = %q", store.Path())
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewStoreAt(tmpDir)

	if err := store.Set("openai", " sk-test-key-12345\n"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(tmpDir, "keys.json"))
	if err != nil {
		t.Fatalf("keys.json not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("keys.json permissions = %v, want 0600", info.Mode().Perm())
	}

	key, err := store.Get("openai")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if key != "sk-test-key-12345" {
		t.Errorf("Get() = %q, want trimmed key", key)
	}

	key, err = store.Get("gemini")
	if err != nil || key != "" {
		t.Errorf("Get(missing) = %q, %v; want empty, nil", key, err)
	}

	exists, _ := store.Exists("openai")
	if !exists {
		t.Error("Exists(openai) = false")
	}

	if err := store.Delete("openai"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if key, _ := store.Get("openai"); key != "" {
		t.Errorf("Get() after Delete() = %q", key)
	}
	if err := store.Delete("openai"); err == nil {
		t.Error("Delete(missing) should return error")
	}
}

func TestStore_SetEmpty(t *testing.T) {
	store := NewStoreAt(t.TempDir())
	if err := store.Set("openai", "  "); err == nil {
		t.Error("Set(empty) should return error")
	}
}

func TestStore_EmptyDir(t *testing.T) {
	store := NewStoreAt(t.TempDir())

	providers, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(providers) != 0 {
		t.Errorf("List() = %v, want empty", providers)
	}
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "keys.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStoreAt(dir).Get("openai"); err == nil {
		t.Error("Get() on corrupt file should return error")
	}
}

func TestStore_ListSorted(t *testing.T) {
	store := NewStoreAt(t.TempDir())
	store.Set("openai", "openai-key")
	store.Set("gemini", "gemini-key")

	providers, _ := store.List()
	if strings.Join(providers, ",") != "gemini,openai" {
		t.Errorf("List() = %v, want [gemini openai]", providers)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"sk-1234567890abcdef", "sk-1***********cdef"},
		{"short", "*****"},
		{"12345678", "********"},
		{"123456789", "1234*6789"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := MaskKey(tt.key); got != tt.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestResolve_Priority(t *testing.T) {
	env := map[string]string{"OPENAI_API_KEY": "env-key", "GOOGLE_API_KEY": "google-key"}
	getenv := func(k string) string { return env[k] }

	stored := NewStoreAt(t.TempDir())
	stored.Set("openai", "stored-key")
	empty := NewStoreAt(t.TempDir())

	tests := []struct {
		name       string
		store      *Store
		explicit   string
		provider   string
		wantKey    string
		wantSource string
	}{
		{"explicit wins", stored, "flag-key", "openai", "flag-key", "command-line flag"},
		{"stored before env", stored, "", "openai", "stored-key", "stored key"},
		{"env fallback", empty, "", "openai", "env-key", "environment variable (OPENAI_API_KEY)"},
		{"second env var", empty, "", "gemini", "google-key", "environment variable (GOOGLE_API_KEY)"},
		{"nil store", nil, "", "openai", "env-key", "environment variable (OPENAI_API_KEY)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, source, err := tt.store.Resolve(tt.explicit, tt.provider, getenv)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if key != tt.wantKey {
				t.Errorf("key = %q, want %q", key, tt.wantKey)
			}
			if !strings.HasPrefix(source, tt.wantSource) {
				t.Errorf("source = %q, want prefix %q", source, tt.wantSource)
			}
		})
	}
}

func TestResolve_Missing(t *testing.T) {
	store := NewStoreAt(t.TempDir())
	getenv := func(string) string { return "" }

	_, _, err := store.Resolve("", "gemini", getenv)
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("Resolve() error = %v, want ErrNoKey", err)
	}
	if !strings.Contains(err.Error(), "GEMINI_API_KEY or GOOGLE_API_KEY") {
		t.Errorf("error = %q, should name the env vars", err)
	}

	_, _, err = store.Resolve("", "stability", getenv)
	if !errors.Is(err, ErrNoKey) {
		t.Errorf("unknown provider error = %v", err)
	}
}

func TestProviders(t *testing.T) {
	if got := strings.Join(Providers(), ","); got != "gemini,openai" {
		t.Errorf("Providers() = %q", got)
	}
}
