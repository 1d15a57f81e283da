package pii

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cloaklabs/cloak/internal/config"
	"github.com/cloaklabs/cloak/patterns"
)

// ruleFile is the top-level YAML structure for a rule definition file.
type ruleFile struct {
	Rules []ruleConfig `yaml:"rules"`
}

// ruleConfig is one rule as declared in YAML or operator configuration.
type ruleConfig struct {
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	Regex       string `yaml:"regex"`
	Priority    int    `yaml:"priority"`
	Description string `yaml:"description,omitempty"`
}

// Registry holds the compiled detection rules in priority order. It is safe
// for concurrent readers; Reload swaps the rule set under a write lock so
// configuration changes apply without restarting.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRegistry compiles the built-in rules, merges operator-supplied custom
// rules, and applies the category enable list from configuration.
func NewRegistry(cfg config.PrivacyConfig) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the rule set from the embedded definitions plus the given
// configuration. On error the previous rule set stays active.
func (r *Registry) Reload(cfg config.PrivacyConfig) error {
	rules, err := parseRules(patterns.BuiltinYAML())
	if err != nil {
		return fmt.Errorf("failed to load built-in rules: %w", err)
	}

	builtin := make(map[string]bool, len(rules))
	for _, rule := range rules {
		builtin[rule.Name] = true
	}

	for _, p := range cfg.Custom {
		if builtin[p.Name] {
			return fmt.Errorf("custom pattern %q collides with a built-in rule", p.Name)
		}
		compiled, err := regexp.Compile(p.Regex)
		if err != nil {
			return fmt.Errorf("failed to compile custom pattern %q: %w", p.Name, err)
		}
		rules = append(rules, Rule{
			Name:     p.Name,
			Category: Category(p.Category),
			Pattern:  compiled,
			Priority: p.Priority,
			Enabled:  true,
		})
	}

	applyCategoryFilter(rules, cfg.Categories)

	// Highest priority first; name breaks ties so ordering is deterministic.
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	return nil
}

// parseRules compiles a YAML rule definition file.
func parseRules(data []byte) ([]Rule, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rule definitions: %w", err)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for _, rc := range rf.Rules {
		if rc.Name == "" || rc.Category == "" {
			return nil, fmt.Errorf("rule definition requires both name and category")
		}
		compiled, err := regexp.Compile(rc.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule %q: %w", rc.Name, err)
		}
		rules = append(rules, Rule{
			Name:        rc.Name,
			Category:    Category(rc.Category),
			Pattern:     compiled,
			Priority:    rc.Priority,
			Description: rc.Description,
			Enabled:     true,
		})
	}
	return rules, nil
}

// applyCategoryFilter enables only the listed categories. The single entry
// "all" keeps every rule enabled.
func applyCategoryFilter(rules []Rule, categories []string) {
	if len(categories) == 0 {
		return
	}
	for _, c := range categories {
		if c == "all" {
			return
		}
	}

	wanted := make(map[Category]bool, len(categories))
	for _, c := range categories {
		wanted[Category(c)] = true
	}
	for i := range rules {
		rules[i].Enabled = wanted[rules[i].Category]
	}
}

// Rules returns the enabled rules in priority order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enabled := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled
}

// Categories returns the distinct categories known to the registry, enabled
// or not, in priority order.
func (r *Registry) Categories() []Category {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Category]bool)
	var categories []Category
	for _, rule := range r.rules {
		if !seen[rule.Category] {
			seen[rule.Category] = true
			categories = append(categories, rule.Category)
		}
	}
	return categories
}

// EnableCategory enables every rule for the given category.
func (r *Registry) EnableCategory(category Category) error {
	return r.setCategory(category, true)
}

// DisableCategory disables every rule for the given category.
func (r *Registry) DisableCategory(category Category) error {
	return r.setCategory(category, false)
}

func (r *Registry) setCategory(category Category, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for i := range r.rules {
		if r.rules[i].Category == category {
			r.rules[i].Enabled = enabled
			found = true
		}
	}
	if !found {
		return fmt.Errorf("unknown category: %s", category)
	}
	return nil
}
