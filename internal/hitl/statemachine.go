package hitl

// legalTransitions enumerates the segment of the trade lifecycle this
// gateway authorizes. Later segments (ACCEPTED -> FILLED and beyond) belong
// to downstream execution systems.
var legalTransitions = map[Status][]Status{
	StatusPending:  {StatusAwaiting},
	StatusAwaiting: {StatusAccepted, StatusRejected},
}

// ValidateTransition checks that from -> to is a legal lifecycle step.
// Any other attempt returns SEC-030 and implies the record stays unchanged.
func ValidateTransition(from, to Status) error {
	for _, next := range legalTransitions[from] {
		if next == to {
			return nil
		}
	}
	return Errf(CodeInvalidState, "illegal transition %s -> %s", from, to)
}

// Terminal reports whether s admits no further transitions.
func Terminal(s Status) bool {
	return len(legalTransitions[s]) == 0
}

// StatusForVerb maps an operator verb to the resulting terminal status.
func StatusForVerb(v Verb) Status {
	if v == VerbApprove {
		return StatusAccepted
	}
	return StatusRejected
}

// NormalizeStatus folds the legacy EXPIRED status into REJECTED so old rows
// read uniformly.
func NormalizeStatus(s Status) Status {
	if s == StatusExpiredLegacy {
		return StatusRejected
	}
	return s
}
