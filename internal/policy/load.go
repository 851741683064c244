package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns ~/.dataguard/policy.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dataguard", "policy.yaml")
}

// Parse decodes a YAML or JSON policy document. Fields the document omits
// keep their defaults. The result is not validated.
func Parse(data []byte) (*Spec, error) {
	spec := newSpec()
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return spec, nil
}

// Load reads a policy file.
// Empty path falls back to ~/.dataguard/policy.yaml.
// Missing file returns the built-in policy. Invalid YAML returns an error.
func Load(path string) (*Spec, error) {
	spec, _, err := LoadWithHash(path)
	return spec, err
}

// LoadWithHash reads a policy file and returns the SHA-256 hash of its raw bytes.
// When no file exists (built-in policy used), the hash is the SHA-256 of empty input.
func LoadWithHash(path string) (*Spec, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) || path == "" {
			return DefaultSpec(), Hash(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read policy: %w", err)
	}

	spec, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return spec, Hash(data), nil
}

// Hash returns "sha256:<hex>" of data.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Marshal renders a spec as YAML.
func Marshal(spec *Spec) ([]byte, error) {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal policy: %w", err)
	}
	return data, nil
}
