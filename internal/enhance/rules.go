// ABOUTME: Enhancement rule set: per-client rules, a default rule, and a model fallback chain.
// ABOUTME: Loaded once from JSON at startup; a missing file falls back to built-in defaults.

package enhance

import (
	"encoding/json"
	"fmt"
	"os"
)

// Rule selects the model and system prompt used to enhance a client's prompts.
type Rule struct {
	Enabled      bool   `json:"enabled"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
}

// RuleSet holds the default rule, per-client overrides, and the fallback
// chain. A nil entry in FallbackChain means give up and return the original
// prompt unchanged.
type RuleSet struct {
	Default       Rule            `json:"default"`
	Clients       map[string]Rule `json:"clients"`
	FallbackChain []*string       `json:"fallback_chain"`
}

// RuleFor returns the rule for a client, falling back to the default.
func (rs *RuleSet) RuleFor(client string) Rule {
	if client != "" {
		if rule, ok := rs.Clients[client]; ok {
			return rule
		}
	}
	return rs.Default
}

// DefaultRules returns the built-in rule set used when no config file exists.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Default: Rule{
			Enabled:      true,
			Model:        "llama3.2:3b",
			SystemPrompt: "Improve clarity and structure. Preserve intent.",
		},
		Clients: map[string]Rule{},
	}
}

// LoadRules reads a rule set from a JSON file. A missing file is not an
// error; malformed JSON is.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("reading enhancement rules: %w", err)
	}

	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing enhancement rules %s: %w", path, err)
	}
	if rs.Clients == nil {
		rs.Clients = map[string]Rule{}
	}
	if rs.Default.Model == "" {
		rs.Default = DefaultRules().Default
	}
	return &rs, nil
}
