package core

// Verdict is the outcome of an admission decision.
type Verdict uint8

const (
	// Admit lets the packet continue to normal processing.
	Admit Verdict = iota
	// Reject discards the packet.
	Reject
	// Abort is the hard-failure outcome: an attached bandwidth stage with no
	// ceiling, or shared state that cannot take the window. It stays
	// distinguishable from throttling.
	Abort
)

var verdictNames = [...]string{
	Admit:  "admit",
	Reject: "reject",
	Abort:  "abort",
}

// String returns the lower-case verdict name.
func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return "unknown"
}

// Verdicts lists every verdict, in declaration order.
func Verdicts() []Verdict {
	return []Verdict{Admit, Reject, Abort}
}
