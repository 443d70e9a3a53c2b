package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ConfigBackend is where `ragd config set` persists non-secret keys.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	Set(key string, val any) error
	Delete(key string) error
}

// xdgDir resolves an XDG base directory, falling back to $HOME/<rel>.
func xdgDir(env, rel, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "ragd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, rel, "ragd")
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"), "ragd-data")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config", "."), "config.json")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// fileBackend keeps one JSON object keyed by dotted key name. Values stay
// raw until read so a key written as "4100" or 4100 both parse as an int.
type fileBackend struct {
	path   string
	values map[string]json.RawMessage
}

// newFileBackend never fails: an unreadable or corrupt file is logged and
// treated as empty so defaults and env overrides still apply.
func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, values: map[string]json.RawMessage{}}
	if err := b.read(); err != nil {
		slog.Warn("ignoring config file", "path", path, "error", err)
		b.values = map[string]json.RawMessage{}
	}
	return b
}

func (b *fileBackend) read() error {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, &b.values)
}

// write replaces the file through a rename so a crash mid-write never
// leaves half a config behind.
func (b *fileBackend) write() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

// text returns the value as written: JSON strings unquoted, anything else
// in its literal form.
func (b *fileBackend) text(key string) (string, bool, error) {
	raw, ok := b.values[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	lit := strings.TrimSpace(string(raw))
	if lit == "" || lit[0] == '{' || lit[0] == '[' {
		return "", true, fmt.Errorf("%s: expected a scalar value, got %s", key, lit)
	}
	return lit, true, nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	return b.text(key)
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.text(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, s)
	}
	return i, true, nil
}

func (b *fileBackend) Set(key string, val any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	b.values[key] = raw
	return b.write()
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.write()
}
