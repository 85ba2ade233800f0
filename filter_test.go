package pondhub

import (
	"errors"
	"testing"
)

func TestCompareTopicFilter(t *testing.T) {
	opts := DefaultTopicOptions()

	tests := []struct {
		name   string
		topic  string
		filter string
		want   MatchResult
	}{
		{"equal literal", "a/b", "a/b", IsMatch},
		{"different literal", "a/b", "a/c", NoMatch},
		{"single level", "a/b", "a/+", IsMatch},
		{"single level is one level only", "a/b/c", "a/+", NoMatch},
		{"single level needs a level", "a", "a/+", NoMatch},
		{"single level in the middle", "a/x/c", "a/+/c", IsMatch},
		{"single level matches empty level", "a//c", "a/+/c", IsMatch},
		{"multi level one", "a/b", "a/#", IsMatch},
		{"multi level many", "a/b/c", "a/#", IsMatch},
		{"multi level matches parent", "a", "a/#", IsMatch},
		{"multi level alone", "x/y/z", "#", IsMatch},
		{"multi level wrong prefix", "b/c", "a/#", NoMatch},
		{"filter longer than topic", "a/b", "a/b/c", NoMatch},
		{"topic longer than filter", "a/b/c", "a/b", NoMatch},
		{"empty topic", "", "a", Indeterminate},
		{"empty filter", "a", "", Indeterminate},
		{"multi level not last", "a/b/c", "a/#/c", Indeterminate},
		{"wildcard mixed into level", "a/bc", "a/b+", Indeterminate},
		{"multi level mixed into level", "a/bc", "a/b#", Indeterminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareTopicFilter(tt.topic, tt.filter, opts); got != tt.want {
				t.Errorf("CompareTopicFilter(%q, %q) = %s, want %s", tt.topic, tt.filter, got, tt.want)
			}
		})
	}

	t.Run("is deterministic", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			if CompareTopicFilter("a/b/c", "a/+/c", opts) != IsMatch {
				t.Fatal("expected a stable IsMatch")
			}
		}
	})

	t.Run("disabled wildcards compare literally", func(t *testing.T) {
		literal := opts
		literal.EnableWildcards = false

		if got := CompareTopicFilter("a/b", "a/+", literal); got != NoMatch {
			t.Errorf("expected NoMatch, got %s", got)
		}
		if got := CompareTopicFilter("a/+", "a/+", literal); got != IsMatch {
			t.Errorf("expected IsMatch, got %s", got)
		}
	})

	t.Run("honours custom wildcard characters", func(t *testing.T) {
		custom := TopicOptions{
			LevelSeparators:     []rune{'.'},
			SingleLevelWildcard: '*',
			MultiLevelWildcard:  '>',
			EnableWildcards:     true,
		}
		if got := CompareTopicFilter("orders.eu.created", "orders.*.created", custom); got != IsMatch {
			t.Errorf("expected IsMatch, got %s", got)
		}
		if got := CompareTopicFilter("orders.eu.created", "orders.>", custom); got != IsMatch {
			t.Errorf("expected IsMatch, got %s", got)
		}
	})
}

func TestValidateTopicFilter(t *testing.T) {
	opts := DefaultTopicOptions()

	valid := []string{"a", "a/b", "+", "#", "a/+/c", "a/#", "+/+/#"}
	for _, filter := range valid {
		if err := ValidateTopicFilter(filter, opts); err != nil {
			t.Errorf("expected %q to be valid, got %v", filter, err)
		}
	}
	invalid := []string{"", "a/#/b", "a/b+", "#a", "a/+b/c"}
	for _, filter := range invalid {
		err := ValidateTopicFilter(filter, opts)
		if !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("expected ErrInvalidTopic for %q, got %v", filter, err)
		}
	}
}

func TestValidateTopicName(t *testing.T) {
	opts := DefaultTopicOptions()

	if err := ValidateTopicName("a/b", opts); err != nil {
		t.Errorf("expected valid topic, got %v", err)
	}
	for _, topic := range []string{"", "a/+", "a/#"} {
		if err := ValidateTopicName(topic, opts); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("expected ErrInvalidTopic for %q, got %v", topic, err)
		}
	}
}
