package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/pulselink-core/internal/bus"
	"github.com/nerrad567/pulselink-core/internal/device"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/database"
)

// Repository persists event rules in SQLite.
type Repository struct {
	db *database.DB
}

// NewRepository creates a rule repository backed by the given database.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a rule. An empty id is filled with a fresh UUID.
func (r *Repository) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	condJSON, err := encodeCondition(rule.Condition)
	if err != nil {
		return fmt.Errorf("encoding condition: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO event_rules
			(id, trigger, condition_json, target_family, action, value,
			 duration_ms, channel, priority, cooldown_ms, enabled, session_tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, string(rule.Trigger), condJSON, string(rule.TargetFamily),
		string(rule.Action), rule.Value, rule.DurationMS, string(rule.TargetChannel()),
		rule.Priority, rule.CooldownMS, boolToInt(rule.Enabled), rule.SessionTag,
		rule.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrRuleExists
		}
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// Update rewrites a rule row.
func (r *Repository) Update(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	condJSON, err := encodeCondition(rule.Condition)
	if err != nil {
		return fmt.Errorf("encoding condition: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE event_rules
		SET trigger = ?, condition_json = ?, target_family = ?, action = ?,
		    value = ?, duration_ms = ?, channel = ?, priority = ?,
		    cooldown_ms = ?, enabled = ?, session_tag = ?
		WHERE id = ?`,
		string(rule.Trigger), condJSON, string(rule.TargetFamily), string(rule.Action),
		rule.Value, rule.DurationMS, string(rule.TargetChannel()), rule.Priority,
		rule.CooldownMS, boolToInt(rule.Enabled), rule.SessionTag, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Delete removes a rule row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM event_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// ClearSession bulk-removes every rule tagged with the given session and
// returns how many were deleted.
func (r *Repository) ClearSession(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, fmt.Errorf("%w: empty session tag", ErrInvalidRule)
	}
	res, err := r.db.ExecContext(ctx, "DELETE FROM event_rules WHERE session_tag = ?", tag)
	if err != nil {
		return 0, fmt.Errorf("clearing session rules: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get loads one rule by id.
func (r *Repository) Get(ctx context.Context, id string) (*Rule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, trigger, condition_json, target_family, action, value,
		       duration_ms, channel, priority, cooldown_ms, enabled, session_tag, created_at
		FROM event_rules WHERE id = ?`, id)
	rule, err := scanRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

// List loads every rule ordered by priority, highest first.
func (r *Repository) List(ctx context.Context) ([]*Rule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, trigger, condition_json, target_family, action, value,
		       duration_ms, channel, priority, cooldown_ms, enabled, session_tag, created_at
		FROM event_rules ORDER BY priority DESC, created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SeedDefaults installs the built-in rule set once. Existing rows win; the
// seed never overwrites user edits.
func (r *Repository) SeedDefaults(ctx context.Context) error {
	for _, rule := range defaultRules() {
		err := r.Create(ctx, rule)
		if err != nil && !errors.Is(err, ErrRuleExists) {
			return fmt.Errorf("seeding rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// defaultRules is the out-of-the-box mapping from gameplay stimuli to
// feedback. Fixed ids keep seeding idempotent.
func defaultRules() []*Rule {
	return []*Rule{
		{
			ID:         "default-health-decrease",
			Trigger:    TriggerHealthDecrease,
			Action:     ActionPulse,
			Value:      30,
			DurationMS: 800,
			Priority:   50,
			CooldownMS: 200,
			Enabled:    true,
		},
		{
			ID:         "default-health-increase",
			Trigger:    TriggerHealthIncrease,
			Action:     ActionPulse,
			Value:      10,
			DurationMS: 400,
			Priority:   10,
			CooldownMS: 500,
			Enabled:    true,
		},
		{
			ID:         "default-armor-decrease",
			Trigger:    TriggerArmorDecrease,
			Action:     ActionPulse,
			Value:      20,
			DurationMS: 600,
			Channel:    device.ChannelB,
			Priority:   40,
			CooldownMS: 200,
			Enabled:    true,
		},
		{
			ID:         "default-player-death",
			Trigger:    TriggerDeath,
			Action:     ActionPulse,
			Value:      80,
			DurationMS: 1500,
			Priority:   100,
			Enabled:    true,
		},
		{
			ID:      "default-player-revive",
			Trigger: TriggerRevive,
			Action:  ActionSet,
			Value:   0,
			// Revive always clears output, whatever else is running.
			Priority: 100,
			Enabled:  true,
		},
		{
			ID:      "default-remote-command",
			Trigger: TriggerRemote,
			Action:  ActionSet,
			Value:   0,
			Enabled: false,
		},
	}
}

func encodeCondition(c *Condition) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanRule(scan func(dest ...any) error) (*Rule, error) {
	var (
		rule                             Rule
		trigger, family, action, channel string
		condJSON                         sql.NullString
		enabled                          int
	)
	if err := scan(&rule.ID, &trigger, &condJSON, &family, &action, &rule.Value,
		&rule.DurationMS, &channel, &rule.Priority, &rule.CooldownMS,
		&enabled, &rule.SessionTag, &rule.CreatedAt); err != nil {
		return nil, err
	}

	rule.Trigger = Trigger(trigger)
	rule.TargetFamily = device.Family(family)
	rule.Action = Action(action)
	rule.Channel = device.Channel(channel)
	rule.Enabled = enabled != 0

	if condJSON.Valid && condJSON.String != "" {
		var cond Condition
		if err := json.Unmarshal([]byte(condJSON.String), &cond); err != nil {
			return nil, fmt.Errorf("rule %s: decoding condition: %w", rule.ID, err)
		}
		rule.Condition = &cond
	}
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// busTrigger maps an event type onto the trigger namespace. They share
// values; the conversion keeps the type system honest.
func busTrigger(t bus.EventType) Trigger { return Trigger(t) }
