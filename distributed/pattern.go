package distributed

import (
	"strings"

	"github.com/eleven-am/pondhub"
)

// channelFor returns the Redis channel that carries topic.
func channelFor(prefix, topic string) string {
	return prefix + topic
}

// patternFor converts a wildcard filter into a Redis glob pattern. Each wildcard
// level becomes '*' and glob metacharacters in literal levels are escaped. Because
// '*' also crosses level separators the pattern can over-match; the hub's own
// comparer filters what is delivered locally.
func patternFor(prefix string, topic pondhub.Topic, opts pondhub.TopicOptions) string {
	var b strings.Builder

	b.WriteString(escapeGlob(prefix))

	runes := []rune(topic.Topic)

	for i, c := range runes {
		switch {
		case c == opts.MultiLevelWildcard:
			// "a/#" also matches "a", so the separator before it becomes optional.
			if i > 0 && isSeparator(runes[i-1], opts) {
				trimmed := strings.TrimSuffix(b.String(), string(runes[i-1]))
				b.Reset()
				b.WriteString(trimmed)
			}
			b.WriteByte('*')

			return b.String()
		case c == opts.SingleLevelWildcard:
			b.WriteByte('*')
		default:
			b.WriteString(escapeGlob(string(c)))
		}
	}
	return b.String()
}

func isSeparator(c rune, opts pondhub.TopicOptions) bool {
	for _, sep := range opts.LevelSeparators {
		if c == sep {
			return true
		}
	}
	return false
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\^`) {
		return s
	}
	var b strings.Builder

	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
