package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nerrad567/pulselink-core/internal/device"
	"github.com/nerrad567/pulselink-core/internal/infrastructure/database"
	_ "github.com/nerrad567/pulselink-core/migrations"
)

func testRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test teardown
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	return NewRepository(db)
}

func TestRepositoryCreateGetRoundTrip(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rule := &Rule{
		Trigger: TriggerSensor,
		Condition: &Condition{
			Field:     "heart_rate",
			Op:        OpGreater,
			Threshold: 120,
		},
		TargetFamily: device.FamilyStimulation,
		Action:       ActionPulse,
		Value:        40,
		DurationMS:   800,
		Channel:      device.ChannelB,
		Priority:     60,
		CooldownMS:   250,
		Enabled:      true,
		SessionTag:   "session-1",
	}
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rule.ID == "" {
		t.Fatal("Create() should fill in an id")
	}
	if rule.CreatedAt.IsZero() {
		t.Fatal("Create() should fill in created_at")
	}

	got, err := repo.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Trigger != TriggerSensor || got.Action != ActionPulse {
		t.Errorf("round trip = %s/%s, want sensor/pulse", got.Trigger, got.Action)
	}
	if got.Value != 40 || got.DurationMS != 800 || got.Priority != 60 || got.CooldownMS != 250 {
		t.Errorf("round trip numbers = %d/%d/%d/%d", got.Value, got.DurationMS, got.Priority, got.CooldownMS)
	}
	if got.Channel != device.ChannelB {
		t.Errorf("channel = %q, want B", got.Channel)
	}
	if got.TargetFamily != device.FamilyStimulation {
		t.Errorf("target family = %q", got.TargetFamily)
	}
	if got.SessionTag != "session-1" || !got.Enabled {
		t.Errorf("tag/enabled = %q/%v", got.SessionTag, got.Enabled)
	}
	if got.Condition == nil {
		t.Fatal("condition lost in round trip")
	}
	if got.Condition.Field != "heart_rate" || got.Condition.Op != OpGreater || got.Condition.Threshold != 120 {
		t.Errorf("condition = %+v", got.Condition)
	}
}

func TestRepositoryChannelDefaultsToA(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rule := &Rule{Trigger: TriggerDeath, Action: ActionSet, Enabled: true}
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Channel != device.ChannelA {
		t.Errorf("channel = %q, want A", got.Channel)
	}
	if got.Condition != nil {
		t.Errorf("condition = %+v, want nil", got.Condition)
	}
}

func TestRepositoryCreateDuplicateID(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rule := &Rule{ID: "fixed-id", Trigger: TriggerDeath, Action: ActionSet}
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if err := repo.Create(ctx, rule); !errors.Is(err, ErrRuleExists) {
		t.Errorf("duplicate Create() error = %v, want ErrRuleExists", err)
	}
}

func TestRepositoryCreateRejectsInvalidRule(t *testing.T) {
	repo := testRepository(t)

	rule := &Rule{Trigger: TriggerDeath, Action: Action("explode")}
	if err := repo.Create(context.Background(), rule); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("Create() error = %v, want ErrInvalidRule", err)
	}
}

func TestRepositoryUpdate(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rule := &Rule{Trigger: TriggerHealthDecrease, Action: ActionPulse, Value: 30, Enabled: true}
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rule.Value = 55
	rule.Enabled = false
	rule.Condition = &Condition{Op: OpLess, Threshold: 20}
	if err := repo.Update(ctx, rule); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Value != 55 || got.Enabled {
		t.Errorf("after update value/enabled = %d/%v, want 55/false", got.Value, got.Enabled)
	}
	if got.Condition == nil || got.Condition.Op != OpLess {
		t.Errorf("after update condition = %+v", got.Condition)
	}

	missing := &Rule{ID: "no-such-rule", Trigger: TriggerDeath, Action: ActionSet}
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrRuleNotFound", err)
	}
}

func TestRepositoryDelete(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	rule := &Rule{Trigger: TriggerDeath, Action: ActionSet}
	if err := repo.Create(ctx, rule); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrRuleNotFound", err)
	}
	if err := repo.Delete(ctx, rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second Delete() error = %v, want ErrRuleNotFound", err)
	}
}

func TestRepositoryListOrdersByPriority(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	for _, r := range []*Rule{
		{ID: "low", Trigger: TriggerDeath, Action: ActionSet, Priority: 10},
		{ID: "high", Trigger: TriggerDeath, Action: ActionSet, Priority: 90},
		{ID: "mid", Trigger: TriggerDeath, Action: ActionSet, Priority: 50},
	} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create(%s) error = %v", r.ID, err)
		}
	}

	rules, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var order []string
	for _, r := range rules {
		order = append(order, r.ID)
	}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("List() order = %v, want %v", order, want)
		}
	}
}

func TestRepositoryClearSession(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	for _, r := range []*Rule{
		{ID: "mod-a", Trigger: TriggerMod, Action: ActionSet, SessionTag: "mod-session"},
		{ID: "mod-b", Trigger: TriggerMod, Action: ActionPulse, SessionTag: "mod-session"},
		{ID: "keeper", Trigger: TriggerDeath, Action: ActionSet},
	} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Create(%s) error = %v", r.ID, err)
		}
	}

	n, err := repo.ClearSession(ctx, "mod-session")
	if err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ClearSession() = %d, want 2", n)
	}
	if _, err := repo.Get(ctx, "keeper"); err != nil {
		t.Errorf("untagged rule removed: %v", err)
	}

	if _, err := repo.ClearSession(ctx, ""); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("ClearSession(\"\") error = %v, want ErrInvalidRule", err)
	}
}

func TestRepositorySeedDefaultsIsIdempotent(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	if err := repo.SeedDefaults(ctx); err != nil {
		t.Fatalf("first SeedDefaults() error = %v", err)
	}
	rules, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rules) != 6 {
		t.Fatalf("seeded %d rules, want 6", len(rules))
	}

	// A user edit must survive a re-seed.
	edited, err := repo.Get(ctx, "default-health-decrease")
	if err != nil {
		t.Fatalf("Get(default) error = %v", err)
	}
	edited.Value = 77
	if err := repo.Update(ctx, edited); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if err := repo.SeedDefaults(ctx); err != nil {
		t.Fatalf("second SeedDefaults() error = %v", err)
	}
	rules, err = repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rules) != 6 {
		t.Errorf("after re-seed %d rules, want 6", len(rules))
	}
	got, err := repo.Get(ctx, "default-health-decrease")
	if err != nil {
		t.Fatalf("Get(default) error = %v", err)
	}
	if got.Value != 77 {
		t.Errorf("re-seed overwrote user edit: value = %d, want 77", got.Value)
	}
}
