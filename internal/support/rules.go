// Package support matches incoming tickets against canned-answer rules
// so common questions get an instant first reply.
package support

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Rule is one canned answer. A ticket matches when at least MinHits of
// the rule's keywords appear in its subject or body.
type Rule struct {
	ID       string   `yaml:"id"`
	Keywords []string `yaml:"keywords"`
	MinHits  int      `yaml:"min_hits"`
	Reply    string   `yaml:"reply"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads rules from path, or the embedded defaults when path is
// empty. Rule order in the file breaks score ties, so operators put the
// most specific rules first.
func LoadRules(path string) ([]Rule, error) {
	data := defaultRules
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read support rules: %w", err)
		}
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse support rules: %w", err)
	}

	for i := range file.Rules {
		r := &file.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("support rule %d: missing id", i)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("support rule %q: no keywords", r.ID)
		}
		if strings.TrimSpace(r.Reply) == "" {
			return nil, fmt.Errorf("support rule %q: empty reply", r.ID)
		}
		if r.MinHits < 1 {
			r.MinHits = 1
		}
	}

	return file.Rules, nil
}

// Match returns the best-scoring rule for a ticket, or nil when no rule
// reaches its keyword threshold. Score is the count of distinct keywords
// found; ties go to the rule listed first.
func Match(rules []Rule, subject, body string) (*Rule, int) {
	text := strings.ToLower(subject + " " + body)

	var best *Rule
	bestHits := 0
	for i := range rules {
		r := &rules[i]
		hits := 0
		for _, kw := range r.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(text, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits < r.MinHits {
			continue
		}
		if hits > bestHits {
			best = r
			bestHits = hits
		}
	}

	return best, bestHits
}
