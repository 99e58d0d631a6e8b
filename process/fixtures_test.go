package process_test

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"dspflow/process"
)

// widget is a minimal process kind: DRAFT → SENDING → SENT, plus FAILED.
type widget struct {
	process.Base
}

const (
	draft   = 10
	sending = 20
	sent    = 30
	failed  = 99
)

var widgetStates = map[int]string{draft: "DRAFT", sending: "SENDING", sent: "SENT", failed: "FAILED"}

var widgetGraph = process.NewGraph(map[int][]int{
	draft:   {sending},
	sending: {sent},
}, []int{sent, failed}, failed)

func (w widget) StateName() string { return widgetStates[w.State] }
func (w widget) IsTerminal() bool { return widgetGraph.IsTerminal(w.State) }

func parseWidgetState(name string) (int, bool) {
	for code, n := range widgetStates {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return epoch }

var widgetKind = process.Kind[widget]{
	Name:       "widget",
	ParseState: parseWidgetState,
	StateName:  func(code int) string { return widgetStates[code] },
	Terminate: func(w widget, detail string, now time.Time) widget {
		w.Base = w.Base.Enter(failed, now)
		w.ErrorDetail = detail
		return w
	},
}

func newWidget(id string, role process.Role, state int) widget {
	return widget{Base: process.NewBase(id, role, state, epoch.Add(-time.Hour))}
}

func nextWidgetTask(w widget) (string, bool) {
	switch w.State {
	case draft:
		return "Prepare", true
	case sending:
		return "Send", true
	}
	return "", false
}

type widgetRepo struct {
	mu      sync.Mutex
	items   map[string]widget
	saves   []widget
	findErr error
	saveErr error
}

func newWidgetRepo(ws ...widget) *widgetRepo {
	r := &widgetRepo{items: make(map[string]widget)}
	for _, w := range ws {
		r.items[w.ID] = w
	}
	return r
}

func (r *widgetRepo) FindForUpdate(_ context.Context, _ pgx.Tx, id string) (widget, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return widget{}, r.findErr
	}
	w, ok := r.items[id]
	if !ok {
		return widget{}, process.ErrNotFound
	}
	return w, nil
}

func (r *widgetRepo) Save(_ context.Context, _ pgx.Tx, w widget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.items[w.ID] = w
	r.saves = append(r.saves, w)
	return nil
}

func (r *widgetRepo) get(id string) widget {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id]
}

func (r *widgetRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}
