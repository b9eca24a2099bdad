package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// PgxPool is the subset of pgxpool.Pool used by RuleStore.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RuleStore persists coach availability rules.
type RuleStore struct {
	pool PgxPool
}

func NewRuleStore(pool PgxPool) *RuleStore {
	if pool == nil {
		panic("availability: pgx pool required")
	}
	return &RuleStore{pool: pool}
}

// List returns every rule for a coach, weekday rules first.
func (s *RuleStore) List(ctx context.Context, coachULID string) ([]Rule, error) {
	query := `
		SELECT id, weekday, specific_date, intervals
		FROM availability_rules
		WHERE coach_ulid = $1
		ORDER BY weekday NULLS LAST, specific_date NULLS LAST, id
	`
	rows, err := s.pool.Query(ctx, query, coachULID)
	if err != nil {
		return nil, fmt.Errorf("availability: list rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var (
			id      string
			weekday pgtype.Int4
			date    pgtype.Date
			raw     []byte
		)
		if err := rows.Scan(&id, &weekday, &date, &raw); err != nil {
			return nil, fmt.Errorf("availability: scan rule: %w", err)
		}
		rule := Rule{ID: id, CoachULID: coachULID}
		if weekday.Valid {
			d := int(weekday.Int32)
			rule.Weekday = &d
		}
		if date.Valid {
			rule.Date = date.Time.Format(dateLayout)
		}
		if err := json.Unmarshal(raw, &rule.Intervals); err != nil {
			return nil, fmt.Errorf("availability: decode intervals for rule %s: %w", id, err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("availability: list rules: %w", err)
	}
	return rules, nil
}

// Replace supersedes a coach's rule set in a single transaction.
func (s *RuleStore) Replace(ctx context.Context, coachULID string, rules []Rule) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("availability: begin replace: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `DELETE FROM availability_rules WHERE coach_ulid = $1`, coachULID); err != nil {
		return fmt.Errorf("availability: delete rules: %w", err)
	}

	insert := `
		INSERT INTO availability_rules (id, coach_ulid, weekday, specific_date, intervals)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, rule := range rules {
		var (
			weekday pgtype.Int4
			date    pgtype.Date
			raw     []byte
		)
		if rule.Weekday != nil {
			weekday = pgtype.Int4{Int32: int32(*rule.Weekday), Valid: true}
		}
		if rule.Date != "" {
			parsed, perr := time.Parse(dateLayout, rule.Date)
			if perr != nil {
				err = fmt.Errorf("%w: date %q", ErrInvalidRule, rule.Date)
				return err
			}
			date = pgtype.Date{Time: parsed, Valid: true}
		}
		raw, err = json.Marshal(rule.Intervals)
		if err != nil {
			return fmt.Errorf("availability: encode intervals: %w", err)
		}
		if _, err = tx.Exec(ctx, insert, uuid.NewString(), coachULID, weekday, date, raw); err != nil {
			return fmt.Errorf("availability: insert rule: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("availability: commit replace: %w", err)
	}
	return nil
}
