package transfer

import "dspflow/process"

// State is a transfer process state code.
type State int

const (
	Initial     State = 100
	Requesting  State = 400
	Requested   State = 500
	Starting    State = 550
	Started     State = 600
	Suspending  State = 650
	Suspended   State = 700
	Resuming    State = 720
	Resumed     State = 725
	Completing  State = 750
	Completed   State = 800
	Terminating State = 825
	Terminated  State = 850
)

var stateNames = map[State]string{
	Initial:     "INITIAL",
	Requesting:  "REQUESTING",
	Requested:   "REQUESTED",
	Starting:    "STARTING",
	Started:     "STARTED",
	Suspending:  "SUSPENDING",
	Suspended:   "SUSPENDED",
	Resuming:    "RESUMING",
	Resumed:     "RESUMED",
	Completing:  "COMPLETING",
	Completed:   "COMPLETED",
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
	int(Initial):     {int(Requesting), int(Requested), int(Starting)},
	int(Requesting):  {int(Requested)},
	int(Requested):   {int(Starting), int(Started)},
	int(Starting):    {int(Started)},
	int(Started):     {int(Suspending), int(Suspended), int(Completing), int(Completed)},
	int(Suspending):  {int(Suspended)},
	int(Suspended):   {int(Resuming), int(Resumed), int(Started)},
	int(Resuming):    {int(Resumed)},
	int(Resumed):     {int(Starting), int(Started)},
	int(Completing):  {int(Completed)},
	int(Terminating): {int(Terminated)},
}, []int{int(Completed), int(Terminated)}, int(Terminating), int(Terminated))

// CanTransition reports whether from → to is legal.
func CanTransition(from, to State) bool {
	return graph.Allows(int(from), int(to))
}

func stateName(code int) string { return State(code).String() }
