package proctor

import "fmt"

// DefaultTabSwitchLimit is the number of hidden transitions that ends a
// session.
const DefaultTabSwitchLimit = 3

// Strike describes one counted tab-hide.
type Strike struct {
	Count    int
	Warning  string
	Terminal bool
}

// Visibility counts transitions to hidden while the session is active. The
// count only grows; becoming visible again never resets it.
type Visibility struct {
	limit     int
	count     int
	active    bool
	signalled bool
}

func NewVisibility(limit int) *Visibility {
	if limit <= 0 {
		limit = DefaultTabSwitchLimit
	}
	return &Visibility{limit: limit}
}

// SetActive turns counting on or off.
func (v *Visibility) SetActive(active bool) {
	v.active = active
}

func (v *Visibility) Count() int {
	return v.count
}

// Hidden records a transition to hidden. ok is false when the monitor is not
// active and nothing was counted. Terminal is reported exactly once, on the
// transition where the count first reaches the limit.
func (v *Visibility) Hidden() (s Strike, ok bool) {
	if !v.active {
		return Strike{}, false
	}
	v.count++

	s = Strike{Count: v.count}
	left := v.limit - v.count
	switch {
	case left <= 0:
		s.Warning = "Interview ended: You left the tab too many times."
		if !v.signalled {
			v.signalled = true
			s.Terminal = true
		}
	case left == 1:
		s.Warning = "Last warning: Next tab switch will end your interview!"
	default:
		s.Warning = fmt.Sprintf("Warning: You left the tab. %d chances left before interview ends!", left)
	}
	return s, true
}
