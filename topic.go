// This file contains the Topic value type and the hashing scheme that lets the
// manager find candidate subscriptions for a published topic with an integer
// AND and compare instead of parsing strings on every publish.
package pondhub

import (
	"slices"
	"unicode/utf8"
)

// maxHashLevels is the number of topic levels that contribute a byte to the hash.
// Deeper levels do not distinguish topics in the index; the precise comparer
// resolves them at delivery time.
const maxHashLevels = 8

// TopicOptions controls how topic strings are split and which characters act as
// wildcards.
type TopicOptions struct {
	LevelSeparators     []rune
	SingleLevelWildcard rune
	MultiLevelWildcard  rune
	EnableWildcards     bool
}

// DefaultTopicOptions returns MQTT-style topic options: '/' separates levels,
// '+' matches one level and '#' matches the remaining levels.
func DefaultTopicOptions() TopicOptions {
	return TopicOptions{
		LevelSeparators:     []rune{'/'},
		SingleLevelWildcard: '+',
		MultiLevelWildcard:  '#',
		EnableWildcards:     true,
	}
}

func (o TopicOptions) isSeparator(c rune) bool {
	return slices.Contains(o.LevelSeparators, c)
}

func (o TopicOptions) isWildcard(c rune) bool {
	return o.EnableWildcards && (c == o.SingleLevelWildcard || c == o.MultiLevelWildcard)
}

// Topic is an immutable topic or topic filter together with its index hash.
//
// Each of the first eight levels contributes one checksum byte to Hash. HashMask
// has 0xFF for every byte that must match and 0x00 for bytes covered by a
// wildcard, so a published topic with hash h is a candidate for the filter when
// h&HashMask == Hash.
type Topic struct {
	Topic            string
	Hash             uint64
	HashMask         uint64
	ContainsWildcard bool
}

// NewTopic parses topic with the given options. The result is a pure function of
// its arguments.
func NewTopic(topic string, opts TopicOptions) Topic {
	hash, mask, wildcard := hashTopic(topic, opts)

	return Topic{
		Topic:            topic,
		Hash:             hash,
		HashMask:         mask,
		ContainsWildcard: wildcard,
	}
}

// Matches reports whether a published topic hash is a candidate for this topic.
// A true result may be a hash collision; a false result is never wrong.
func (t Topic) Matches(hash uint64) bool {
	return hash&t.HashMask == t.Hash
}

func (t Topic) String() string {
	return t.Topic
}

func hashTopic(topic string, opts TopicOptions) (uint64, uint64, bool) {
	var (
		hash         uint64
		maskInverted uint64
		levelMask    uint64
		fillMask     uint64
		checksum     byte
		level        int
		wildcard     bool
	)

	i := 0

scan:
	for i < len(topic) {
		c, size := utf8.DecodeRuneInString(topic[i:])

		switch {
		case opts.isSeparator(c):
			hash = hash<<8 | uint64(checksum)
			maskInverted = maskInverted<<8 | levelMask
			checksum = 0
			levelMask = 0
			level++

			if level >= maxHashLevels {
				break scan
			}
		case opts.EnableWildcards && c == opts.SingleLevelWildcard:
			levelMask = 0xFF
			wildcard = true
		case opts.EnableWildcards && c == opts.MultiLevelWildcard:
			levelMask = 0xFF
			fillMask = 0xFF
			wildcard = true

			break scan
		default:
			// Even and odd code points fold differently so that topics which differ
			// only in a trailing digit ("room/sensor1", "room/sensor2") spread out.
			if c&1 == 0 {
				checksum += byte(c)
			} else {
				checksum ^= byte(c >> 1)
			}
		}
		i += size
	}

	if level < maxHashLevels {
		hash = hash<<8 | uint64(checksum)
		maskInverted = maskInverted<<8 | levelMask
		level++

		for ; level < maxHashLevels; level++ {
			hash <<= 8
			maskInverted = maskInverted<<8 | fillMask
		}
	}

	if !wildcard && opts.EnableWildcards {
		for _, c := range topic[i:] {
			if opts.isWildcard(c) {
				wildcard = true
				break
			}
		}
	}
	return hash, ^maskInverted, wildcard
}
