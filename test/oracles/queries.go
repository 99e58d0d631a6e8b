// Package oracles holds SQL invariants that must hold at every committed
// snapshot of a stress run. A query returning rows is a violation.
package oracles

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"dspflow/negotiation"
	"dspflow/process"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_known_state",
			SQL:  fmt.Sprintf(`SELECT id, state FROM negotiations WHERE state NOT IN (%s)`, stateCodes()),
		},
		{
			Name: "O2_state_count_positive",
			SQL:  `SELECT id, state, state_count FROM negotiations WHERE state_count < 1`,
		},
		{
			Name: "O3_finalized_has_agreement",
			SQL: fmt.Sprintf(`SELECT id FROM negotiations
                  WHERE state = %d AND (agreement IS NULL OR agreement = 'null'::jsonb)`, negotiation.Finalized),
		},
		{
			Name: "O4_terminated_has_detail",
			SQL:  fmt.Sprintf(`SELECT id FROM negotiations WHERE state = %d AND error_detail = ''`, negotiation.Terminated),
		},
		{
			Name: "O5_no_orphan_tasks",
			SQL: fmt.Sprintf(`SELECT t.id, t.process_id FROM tasks t
                  LEFT JOIN negotiations n ON n.id = t.process_id
                  WHERE t.grp = '%s' AND n.id IS NULL`, negotiation.Group),
		},
		{
			Name: "O6_no_stalled_consumer",
			SQL: fmt.Sprintf(`WITH expected(code, name) AS (VALUES %s)
                  SELECT n.id, e.name FROM negotiations n
                  JOIN expected e ON e.code = n.state
                  WHERE n.role = 'CONSUMER' AND NOT n.pending
                    AND NOT EXISTS (
                      SELECT 1 FROM tasks t WHERE t.process_id = n.id AND t.process_state = e.name)`, expectingTask(process.Consumer)),
		},
		{
			Name: "O7_no_dead_letters",
			SQL:  `SELECT task_id, name, error FROM task_dead_letters`,
		},
	}
}

// stateCodes lists every known negotiation state code.
func stateCodes() string {
	states := negotiation.States()
	codes := make([]string, 0, len(states))
	for _, s := range states {
		codes = append(codes, fmt.Sprint(int(s)))
	}
	sort.Strings(codes)
	return strings.Join(codes, ",")
}

// expectingTask renders the (code, name) rows of states in which a
// negotiation of role must always have a queued task.
func expectingTask(role process.Role) string {
	var rows []string
	for _, s := range negotiation.States() {
		n := negotiation.Negotiation{Base: process.Base{Role: role, State: int(s)}}
		if n.IsTerminal() {
			continue
		}
		if _, ok := negotiation.NextTask(n); ok {
			rows = append(rows, fmt.Sprintf("(%d, '%s')", int(s), s))
		}
	}
	sort.Strings(rows)
	return strings.Join(rows, ", ")
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
