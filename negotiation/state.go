package negotiation

import "dspflow/process"

// State is a negotiation state code. Codes are persisted; names appear in
// task payloads and events.
type State int

const (
	Initial     State = 50
	Requesting  State = 100
	Requested   State = 200
	Offering    State = 300
	Offered     State = 400
	Accepting   State = 700
	Accepted    State = 800
	Agreeing    State = 825
	Agreed      State = 850
	Verifying   State = 1050
	Verified    State = 1100
	Finalizing  State = 1150
	Finalized   State = 1200
	Terminating State = 1300
	Terminated  State = 1400
)

var stateNames = map[State]string{
	Initial:     "INITIAL",
	Requesting:  "REQUESTING",
	Requested:   "REQUESTED",
	Offering:    "OFFERING",
	Offered:     "OFFERED",
	Accepting:   "ACCEPTING",
	Accepted:    "ACCEPTED",
	Agreeing:    "AGREEING",
	Agreed:      "AGREED",
	Verifying:   "VERIFYING",
	Verified:    "VERIFIED",
	Finalizing:  "FINALIZING",
	Finalized:   "FINALIZED",
	Terminating: "TERMINATING",
	Terminated:  "TERMINATED",
}

var stateCodes = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for code, name := range stateNames {
		m[name] = code
	}
	return m
}()

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState resolves a state name.
func ParseState(name string) (State, bool) {
	s, ok := stateCodes[name]
	return s, ok
}

// States returns every known state.
func States() []State {
	out := make([]State, 0, len(stateNames))
	for s := range stateNames {
		out = append(out, s)
	}
	return out
}

var graph = process.NewGraph(map[int][]int{
	int(Initial):     {int(Requesting), int(Requested), int(Offering), int(Offered)},
	int(Requesting):  {int(Requested)},
	int(Requested):   {int(Offering), int(Offered), int(Accepting), int(Accepted), int(Agreeing), int(Agreed)},
	int(Offering):    {int(Offered)},
	int(Offered):     {int(Requesting), int(Requested), int(Accepting), int(Accepted), int(Agreeing)},
	int(Accepting):   {int(Accepted)},
	int(Accepted):    {int(Agreeing), int(Agreed)},
	int(Agreeing):    {int(Agreed)},
	int(Agreed):      {int(Verifying), int(Verified)},
	int(Verifying):   {int(Verified)},
	int(Verified):    {int(Finalizing), int(Finalized)},
	int(Finalizing):  {int(Finalized)},
	int(Terminating): {int(Terminated)},
}, []int{int(Finalized), int(Terminated)}, int(Terminating), int(Terminated))

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	return graph.Allows(int(from), int(to))
}

func stateName(code int) string { return State(code).String() }
