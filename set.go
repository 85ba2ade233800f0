package pondhub

// subscriberSet is a reference-counted set of subscriptions.
// A subscription holding two topics that share an index entry (equal hash, or equal
// hash and mask) is counted twice and only leaves the set when both are removed.
// Callers synchronise access through the manager's index lock.
type subscriberSet[T any] struct {
	refs map[*Subscription[T]]int
}

func newSubscriberSet[T any]() *subscriberSet[T] {
	return &subscriberSet[T]{
		refs: make(map[*Subscription[T]]int),
	}
}

func (s *subscriberSet[T]) add(sub *Subscription[T]) {
	s.refs[sub]++
}

// remove drops one reference and reports whether the subscription left the set.
func (s *subscriberSet[T]) remove(sub *Subscription[T]) bool {
	count, ok := s.refs[sub]
	if !ok {
		return false
	}
	if count > 1 {
		s.refs[sub] = count - 1
		return false
	}
	delete(s.refs, sub)

	return true
}

func (s *subscriberSet[T]) length() int {
	return len(s.refs)
}

func (s *subscriberSet[T]) collect(into map[*Subscription[T]]struct{}) {
	for sub := range s.refs {
		into[sub] = struct{}{}
	}
}
