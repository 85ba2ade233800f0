// This file contains the precise topic filter comparer. Hash lookups only select
// candidate subscriptions; this comparer decides whether a topic really matches.
package pondhub

import (
	"strings"
	"unicode/utf8"
)

// MatchResult is the outcome of comparing a topic with a topic filter.
type MatchResult int

const (
	// Indeterminate means the comparison could not be made because the topic or
	// filter is empty or the filter is malformed.
	Indeterminate MatchResult = iota
	// IsMatch means the topic matches the filter.
	IsMatch
	// NoMatch means the topic does not match the filter.
	NoMatch
)

func (r MatchResult) String() string {
	switch r {
	case IsMatch:
		return "IsMatch"
	case NoMatch:
		return "NoMatch"
	default:
		return "Indeterminate"
	}
}

// CompareTopicFilter compares a concrete topic with a filter level by level.
// A single-level wildcard matches exactly one level. A multi-level wildcard must be
// the final filter level and matches zero or more remaining levels. Without a
// multi-level wildcard the level counts must be equal. When wildcards are disabled
// every level must be equal.
func CompareTopicFilter(topic, filter string, opts TopicOptions) MatchResult {
	if topic == "" || filter == "" {
		return Indeterminate
	}
	if topic == filter {
		return IsMatch
	}
	topicLevels := splitLevels(topic, opts)
	filterLevels := splitLevels(filter, opts)

	if !opts.EnableWildcards {
		return compareLiteral(topicLevels, filterLevels)
	}
	if validateLevels(filterLevels, opts) != "" {
		return Indeterminate
	}
	single := string(opts.SingleLevelWildcard)
	multi := string(opts.MultiLevelWildcard)

	for i, level := range filterLevels {
		if level == multi {
			return IsMatch
		}
		if i >= len(topicLevels) {
			return NoMatch
		}
		if level == single {
			continue
		}
		if level != topicLevels[i] {
			return NoMatch
		}
	}
	if len(topicLevels) != len(filterLevels) {
		return NoMatch
	}
	return IsMatch
}

// ValidateTopicFilter checks that filter can be used for a subscription.
// Wildcards must occupy a whole level and a multi-level wildcard must come last.
func ValidateTopicFilter(filter string, opts TopicOptions) error {
	if filter == "" {
		return invalidTopic(filter, "topic must not be empty")
	}
	if !opts.EnableWildcards {
		return nil
	}
	if reason := validateLevels(splitLevels(filter, opts), opts); reason != "" {
		return invalidTopic(filter, reason)
	}
	return nil
}

// ValidateTopicName checks that topic can be published to. Published topics must
// not be empty and must not contain wildcard characters.
func ValidateTopicName(topic string, opts TopicOptions) error {
	if topic == "" {
		return invalidTopic(topic, "topic must not be empty")
	}
	if !opts.EnableWildcards {
		return nil
	}
	if strings.ContainsFunc(topic, opts.isWildcard) {
		return invalidTopic(topic, "published topics must not contain wildcards")
	}
	return nil
}

func validateLevels(levels []string, opts TopicOptions) string {
	single := string(opts.SingleLevelWildcard)
	multi := string(opts.MultiLevelWildcard)

	for i, level := range levels {
		switch {
		case level == multi:
			if i != len(levels)-1 {
				return "multi-level wildcard must be the last level"
			}
		case level == single:
		case strings.ContainsFunc(level, opts.isWildcard):
			return "wildcard must occupy an entire level"
		}
	}
	return ""
}

func compareLiteral(topicLevels, filterLevels []string) MatchResult {
	if len(topicLevels) != len(filterLevels) {
		return NoMatch
	}
	for i := range filterLevels {
		if topicLevels[i] != filterLevels[i] {
			return NoMatch
		}
	}
	return IsMatch
}

// splitLevels splits s on any configured separator, keeping empty levels.
func splitLevels(s string, opts TopicOptions) []string {
	levels := make([]string, 0, 8)
	start := 0

	for i := 0; i < len(s); {
		c, size := utf8.DecodeRuneInString(s[i:])
		if opts.isSeparator(c) {
			levels = append(levels, s[start:i])
			start = i + size
		}
		i += size
	}
	return append(levels, s[start:])
}
