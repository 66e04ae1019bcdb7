package session

// Signals is everything the termination decision depends on.
type Signals struct {
	// Recorded is a decision already made; it never changes.
	Recorded Reason
	// Requested is an explicit end, normally from the candidate.
	Requested        Reason
	ProtocolComplete bool
	// ClosedNormally is a 1000 close from the backend.
	ClosedNormally bool
	TimerExpired   bool
	Violations     int
	ViolationLimit int
	ConnectionLost bool
}

// Decide returns the termination reason for s, or None to keep going.
func Decide(s Signals) Reason {
	switch {
	case s.Recorded != None:
		return s.Recorded
	case s.Requested != None:
		return s.Requested
	case s.ProtocolComplete, s.ClosedNormally:
		return Normal
	case s.TimerExpired:
		return Timeout
	case s.ViolationLimit > 0 && s.Violations >= s.ViolationLimit:
		return ProctorViolation
	case s.ConnectionLost:
		return ConnectionLost
	}
	return None
}
