package event

import (
	"fmt"
	"regexp"
)

// RulePair is one rename rule: a regular expression and its replacement.
// Replacements may reference capture groups ($1, ${name}).
type RulePair struct {
	Pattern     string `mapstructure:"pattern" yaml:"pattern"`
	Replacement string `mapstructure:"replacement" yaml:"replacement"`
}

// RulesConfig carries the three ordered rename rule sets: sls applies to
// SLS file references, sid to state ids, mod to positional state arguments.
type RulesConfig struct {
	SLS []RulePair `mapstructure:"sls" yaml:"sls"`
	SID []RulePair `mapstructure:"sid" yaml:"sid"`
	Mod []RulePair `mapstructure:"mod" yaml:"mod"`
}

type compiledRule struct {
	re   *regexp.Regexp
	repl string
}

type ruleSet []compiledRule

// apply returns the expanded replacement of the first rule whose pattern
// matches the whole input, or the input unchanged.
func (rs ruleSet) apply(v string) string {
	for _, r := range rs {
		if r.re.MatchString(v) {
			return r.re.ReplaceAllString(v, r.repl)
		}
	}
	return v
}

// Rules holds the compiled rename rule sets shared read-only by all parser
// workers.
type Rules struct {
	sls ruleSet
	sid ruleSet
	mod ruleSet
}

// CompileRules compiles the configured rule sets. Patterns are anchored so
// a rule matches the full string, never a substring.
func CompileRules(cfg RulesConfig) (*Rules, error) {
	rules := &Rules{}
	for _, set := range []struct {
		name  string
		pairs []RulePair
		dst   *ruleSet
	}{
		{"sls", cfg.SLS, &rules.sls},
		{"sid", cfg.SID, &rules.sid},
		{"mod", cfg.Mod, &rules.mod},
	} {
		for _, p := range set.pairs {
			re, err := regexp.Compile(`\A(?:` + p.Pattern + `)\z`)
			if err != nil {
				return nil, fmt.Errorf("rename rule %s %q: %w", set.name, p.Pattern, err)
			}
			*set.dst = append(*set.dst, compiledRule{re: re, repl: p.Replacement})
		}
	}
	return rules, nil
}
