package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var errSecretNotFound = errors.New("secret not stored")

// secretsFile holds the secret keys (admin token, hash salt, API keys) in
// a 0600 JSON object in the data directory, apart from config.json.
type secretsFile struct {
	path string
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// load returns an empty map when the file does not exist yet.
func (f secretsFile) load() (map[string]string, error) {
	m := map[string]string{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", f.path, err)
	}
	return m, nil
}

func (f secretsFile) store(m map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(f.path, 0o600)
}

func (f secretsFile) Get(key string) (string, error) {
	m, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, errSecretNotFound)
	}
	return v, nil
}

func (f secretsFile) Set(key, value string) error {
	m, err := f.load()
	if err != nil {
		return err
	}
	m[key] = value
	return f.store(m)
}

func (f secretsFile) Delete(key string) error {
	m, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return f.store(m)
}
