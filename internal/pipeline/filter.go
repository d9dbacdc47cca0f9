package pipeline

import (
	"fmt"
	"regexp"
)

// Filter pre-screens event tags: a mandatory primary expression plus an
// additive allowlist. Expressions are anchored at the start of the tag;
// any match forwards the event.
type Filter struct {
	primary    *regexp.Regexp
	additional []*regexp.Regexp
}

// NewFilter compiles the filter expressions.
func NewFilter(primary string, additional []string) (*Filter, error) {
	f := &Filter{}
	re, err := regexp.Compile(`\A(?:` + primary + `)`)
	if err != nil {
		return nil, fmt.Errorf("events_regex_filter %q: %w", primary, err)
	}
	f.primary = re
	for _, add := range additional {
		re, err := regexp.Compile(`\A(?:` + add + `)`)
		if err != nil {
			return nil, fmt.Errorf("events_additional %q: %w", add, err)
		}
		f.additional = append(f.additional, re)
	}
	return f, nil
}

// Match reports whether the tag passes the filter.
func (f *Filter) Match(tag string) bool {
	if f.primary.MatchString(tag) {
		return true
	}
	for _, re := range f.additional {
		if re.MatchString(tag) {
			return true
		}
	}
	return false
}
