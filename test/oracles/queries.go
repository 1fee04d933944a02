package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the settlement invariants checked during stress runs. Each
// query selects violating rows; an empty result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_no_negative_balances",
			SQL: `SELECT id, available_balance, locked_stake FROM accounts
                  WHERE available_balance < 0 OR locked_stake < 0`,
		},
		{
			Name: "O2_locked_stake_matches_positions",
			SQL: `SELECT a.id, a.locked_stake, COALESCE(SUM(sp.amount), 0) AS position_total
                  FROM accounts a
                  LEFT JOIN stake_positions sp ON sp.account_id = a.id
                  GROUP BY a.id, a.locked_stake
                  HAVING a.locked_stake <> COALESCE(SUM(sp.amount), 0)`,
		},
		{
			Name: "O3_payout_within_total",
			SQL:  `SELECT id, total_amount, paid_amount FROM projects WHERE paid_amount > total_amount`,
		},
		{
			Name: "O4_terminal_bucket_drained",
			SQL: `SELECT p.id, p.status, b.locked_amount FROM projects p
                  JOIN escrow_buckets b ON b.project_id = p.id
                  WHERE p.status IN ('completed', 'cancelled')
                    AND b.locked_amount <> 0 AND NOT b.frozen`,
		},
		{
			Name: "O5_bucket_covers_unpaid_remainder",
			SQL: `SELECT p.id, p.total_amount, p.paid_amount, b.locked_amount
                  FROM projects p
                  JOIN escrow_buckets b ON b.project_id = p.id
                  WHERE p.status NOT IN ('completed', 'cancelled')
                    AND NOT b.frozen
                    AND b.locked_amount <> p.total_amount - p.paid_amount`,
		},
		{
			Name: "O6_milestones_sum_to_total",
			SQL: `SELECT m.project_id, SUM(m.amount) AS milestone_total, p.total_amount
                  FROM milestones m
                  JOIN projects p ON p.id = m.project_id
                  GROUP BY m.project_id, p.total_amount
                  HAVING SUM(m.amount) <> p.total_amount`,
		},
		{
			Name: "O7_single_open_dispute",
			SQL: `SELECT project_id, COUNT(*) FROM disputes
                  WHERE NOT resolved GROUP BY project_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_resolved_dispute_has_winner",
			SQL: `SELECT id, winner FROM disputes
                  WHERE (resolved AND (winner IS NULL OR winner NOT IN ('client', 'freelancer', 'split')))
                     OR (NOT resolved AND winner IS NOT NULL)`,
		},
		{
			Name: "O9_vote_power_positive_and_in_window",
			SQL: `SELECT v.dispute_id, v.voter_id, v.power, v.cast_at
                  FROM dispute_votes v
                  JOIN disputes d ON d.id = v.dispute_id
                  WHERE v.power <= 0 OR v.cast_at > d.voting_deadline`,
		},
		{
			Name: "O10_tallies_match_votes",
			SQL: `SELECT d.id, d.votes_for_client, d.votes_for_freelancer,
                         COALESCE(SUM(v.power) FILTER (WHERE v.supports_client), 0) AS cast_client,
                         COALESCE(SUM(v.power) FILTER (WHERE NOT v.supports_client), 0) AS cast_freelancer
                  FROM disputes d
                  LEFT JOIN dispute_votes v ON v.dispute_id = d.id
                  GROUP BY d.id
                  HAVING d.votes_for_client <> COALESCE(SUM(v.power) FILTER (WHERE v.supports_client), 0)
                      OR d.votes_for_freelancer <> COALESCE(SUM(v.power) FILTER (WHERE NOT v.supports_client), 0)`,
		},
		{
			Name: "O11_completed_event_exactly_once",
			SQL: `SELECT p.id, COUNT(o.id) AS events
                  FROM projects p
                  LEFT JOIN outbox o ON o.topic = 'project.completed'
                                    AND o.payload->>'project_id' = p.id::text
                  WHERE p.status = 'completed'
                  GROUP BY p.id
                  HAVING COUNT(o.id) <> 1`,
		},
		{
			Name: "O12_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
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
