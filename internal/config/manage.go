package config

import (
	"fmt"
	"strconv"
)

// KeyInfo is one row of `ragd config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Secret bool
}

// ShowAll lists every key with its effective value. Secrets show only
// whether they are set.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, EnvVar: s.env, Secret: s.secret}
		v := s.extract(cfg)
		switch {
		case s.secret && v == "":
			info.Value = "(unset)"
		case s.secret:
			info.Value = "(set)"
		case s.typ == kFloat:
			info.Value = strconv.FormatFloat(v.(float64), 'g', -1, 64)
		default:
			info.Value = fmt.Sprint(v)
		}
		out = append(out, info)
	}
	return out
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (see `ragd config show`)", key)
}

type secretWriter interface {
	Set(key, value string) error
	Delete(key string) error
}

// SetKey persists key: secrets go to the secrets file, everything else to
// config.json.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), secretsFile{path: secretsFilePath()}, key, value)
}

// UnsetKey removes a stored value so the default applies again.
func UnsetKey(key string) error {
	return unsetKey(newPlatformBackend(), secretsFile{path: secretsFilePath()}, key)
}

func setKey(b ConfigBackend, secrets secretWriter, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	if s.secret {
		return secrets.Set(key, value)
	}
	v, err := s.typ.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	// Floats and bools are stored as written so 0.7 does not become 0.69999.
	if s.typ == kInt {
		return b.Set(key, v)
	}
	return b.Set(key, value)
}

func unsetKey(b ConfigBackend, secrets secretWriter, key string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	if s.secret {
		return secrets.Delete(key)
	}
	return b.Delete(key)
}

// ValidKeys returns every config key name in display order.
func ValidKeys() []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.key
	}
	return keys
}
