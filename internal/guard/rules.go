package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

// DefaultVersion identifies the built-in rule table. Bump it whenever a
// rule is added, removed or reworded.
const DefaultVersion = "2026-03-01"

// Rule is one labelled pattern. Patterns are Go RE2 syntax.
type Rule struct {
	Label   string `yaml:"label" json:"label"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// RuleSet is an ordered, versioned rule table. Evaluation order follows
// the slice order and determines the order of triggers in a verdict.
type RuleSet struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// DefaultRules returns the built-in table.
func DefaultRules() RuleSet {
	return RuleSet{
		Version: DefaultVersion,
		Rules: []Rule{
			{Label: "ignore_instructions", Pattern: `(?i)\b(ignore|disregard|forget)\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts?|rules|context)`},
			{Label: "system_prompt_leak", Pattern: `(?i)\b(reveal|show|print|repeat|display|output)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions|initial\s+instructions)`},
			{Label: "role_override", Pattern: `(?i)\b(you\s+are\s+now|act\s+as|pretend\s+to\s+be)\s+(an?\s+)?(unrestricted|jailbroken|dan|developer\s+mode)\b`},
			{Label: "script_injection", Pattern: `(?i)(<\s*script\b|javascript\s*:|on(load|error|click)\s*=)`},
			{Label: "destructive_command", Pattern: `(?i)(\brm\s+-rf\b|\bdrop\s+(table|database)\b|\btruncate\s+table\b|\bdelete\s+from\b|;\s*shutdown\b)`},
		},
	}
}

// LoadRuleFile reads a YAML rule table. Env vars in the file are expanded.
func LoadRuleFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read guard rules: %w", err)
	}
	return ParseRulesYAML([]byte(os.ExpandEnv(string(data))))
}

// ParseRulesYAML decodes and validates a rule table.
func ParseRulesYAML(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse guard rules: %w", err)
	}
	if strings.TrimSpace(rs.Version) == "" {
		return RuleSet{}, fmt.Errorf("guard rules: version is required")
	}
	if len(rs.Rules) == 0 {
		return RuleSet{}, fmt.Errorf("guard rules: at least one rule is required")
	}
	if _, err := compile(rs); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Digest is the sha256 of the RFC 8785 canonical JSON of the table. It
// changes whenever any label, pattern or the version changes.
func (rs RuleSet) Digest() (string, error) {
	raw, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("marshal rule set: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize rule set: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type compiledRule struct {
	label string
	re    *regexp.Regexp
}

func compile(rs RuleSet) ([]compiledRule, error) {
	seen := make(map[string]struct{}, len(rs.Rules))
	out := make([]compiledRule, 0, len(rs.Rules))
	for i, r := range rs.Rules {
		label := strings.TrimSpace(r.Label)
		if label == "" {
			return nil, fmt.Errorf("guard rule %d: label is required", i)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("guard rule %d: duplicate label %q", i, label)
		}
		seen[label] = struct{}{}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("guard rule %q: %w", label, err)
		}
		out = append(out, compiledRule{label: label, re: re})
	}
	return out, nil
}
