package router

import "github.com/wasmCloud/wascc-host/pkg/contracts"

// State is a step of an invocation's life in the router.
type State int

// Router states. Rejected and Failed are terminal error states.
const (
	Created State = iota
	ClaimsChecked
	Authorized
	MiddlewarePre
	Dispatched
	MiddlewarePost
	Responded
	Rejected
	Failed
)

var stateNames = [...]string{
	Created:        "Created",
	ClaimsChecked:  "ClaimsChecked",
	Authorized:     "Authorized",
	MiddlewarePre:  "MiddlewarePre",
	Dispatched:     "Dispatched",
	MiddlewarePost: "MiddlewarePost",
	Responded:      "Responded",
	Rejected:       "Rejected",
	Failed:         "Failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == Responded || s == Rejected || s == Failed
}

// Transition is reported to the transition hook on every state change.
type Transition struct {
	InvocationID string
	From         State
	To           State
	Kind         contracts.ErrorKind // set when To is Rejected or Failed
}

type tracker struct {
	r     *Router
	id    string
	state State
}

func (t *tracker) to(next State) {
	t.emit(Transition{InvocationID: t.id, From: t.state, To: next})
	t.state = next
}

func (t *tracker) fail(next State, kind contracts.ErrorKind) {
	t.emit(Transition{InvocationID: t.id, From: t.state, To: next, Kind: kind})
	t.state = next
}

func (t *tracker) emit(tr Transition) {
	t.r.logger.Debug("invocation transition", "invocation", tr.InvocationID, "from", tr.From.String(), "to", tr.To.String(), "kind", string(tr.Kind))
	if t.r.onTransition != nil {
		t.r.onTransition(tr)
	}
}
