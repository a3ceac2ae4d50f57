package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/pulselink-core/internal/infrastructure/database"
	_ "github.com/nerrad567/pulselink-core/migrations"
)

func testRepository(t *testing.T) (*Repository, *database.DB) {
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
	return NewRepository(db), db
}

func storedDevice(family Family, mode ConnectionMode, cfg ConnectionConfig) *Device {
	now := time.Now().UTC().Truncate(time.Second)
	dev := &Device{
		ID:        uuid.NewString(),
		Name:      "bench unit",
		Family:    family,
		Mode:      mode,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch family {
	case FamilyStimulation:
		dev.Generation = GenV3
		dev.Channels = map[Channel]*ChannelState{
			ChannelA: {Limit: 150},
			ChannelB: {Limit: MaxStrengthEMS},
		}
	case FamilyActuator:
		dev.Channels = map[Channel]*ChannelState{
			ChannelA: {Limit: MaxStrengthActuator},
		}
	}
	return dev
}

func TestRepositoryRoundTripBLE(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	dev := storedDevice(FamilyStimulation, ModeBLE, NewBLEConfig("AA:BB:CC:DD:EE:FF"))
	if err := repo.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, dev.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "bench unit" || got.Family != FamilyStimulation || got.Mode != ModeBLE {
		t.Errorf("round trip = %s/%s/%s", got.Name, got.Family, got.Mode)
	}
	if got.Generation != GenV3 {
		t.Errorf("generation = %q, want v3", got.Generation)
	}
	cfg, ok := got.Config.(BLEConfig)
	if !ok {
		t.Fatalf("config type = %T, want BLEConfig", got.Config)
	}
	if cfg.Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address = %q", cfg.Address)
	}
	if got.Channels[ChannelA].Limit != 150 || got.Channels[ChannelB].Limit != MaxStrengthEMS {
		t.Errorf("limits = %d/%d, want 150/%d",
			got.Channels[ChannelA].Limit, got.Channels[ChannelB].Limit, MaxStrengthEMS)
	}
	// Loaded devices always start disconnected with refreshed capabilities.
	if got.Status != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got.Status)
	}
	if !got.HasCapability(CapCustomWaveform) {
		t.Error("v3 stimulation device should report custom waveform capability")
	}
}

func TestRepositoryRoundTripRelayConfig(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	dev := storedDevice(FamilyStimulation, ModeRelay,
		NewRelayConfig("user-9 TOKEN", "ws://hub:9449/ws"))
	if err := repo.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, dev.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	cfg, ok := got.Config.(RelayConfig)
	if !ok {
		t.Fatalf("config type = %T, want RelayConfig", got.Config)
	}
	if cfg.UserID() != "user-9" || cfg.Token() != "TOKEN" {
		t.Errorf("connect code halves = %q/%q", cfg.UserID(), cfg.Token())
	}
	if cfg.ServerURL != "ws://hub:9449/ws" {
		t.Errorf("server url = %q", cfg.ServerURL)
	}
}

func TestRepositoryActuatorChannels(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	dev := storedDevice(FamilyActuator, ModeVirtual, VirtualConfig{})
	if err := repo.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, dev.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := got.Channels[ChannelB]; ok {
		t.Error("actuator device should not grow a B channel")
	}
	if got.Channels[ChannelA].Limit != MaxStrengthActuator {
		t.Errorf("limit A = %d, want %d", got.Channels[ChannelA].Limit, MaxStrengthActuator)
	}
}

func TestRepositoryUpdateAndDelete(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	dev := storedDevice(FamilyStimulation, ModeBLE, NewBLEConfig("AA:BB"))
	if err := repo.Create(ctx, dev); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dev.Name = "renamed"
	dev.Channels[ChannelA].Limit = 80
	if err := repo.Update(ctx, dev); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := repo.Get(ctx, dev.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "renamed" || got.Channels[ChannelA].Limit != 80 {
		t.Errorf("after update = %s/%d", got.Name, got.Channels[ChannelA].Limit)
	}

	if err := repo.Delete(ctx, dev.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := repo.Update(ctx, dev); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() after delete error = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, dev.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryListOrdersByCreation(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, name := range []string{"first", "second", "third"} {
		dev := storedDevice(FamilyStimulation, ModeBLE, NewBLEConfig("AA:BB"))
		dev.Name = name
		dev.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Create(ctx, dev); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}

	devices, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("List() len = %d, want 3", len(devices))
	}
	for i, want := range []string{"first", "second", "third"} {
		if devices[i].Name != want {
			t.Errorf("List()[%d] = %s, want %s", i, devices[i].Name, want)
		}
	}
}

func TestGlobalScalePercent(t *testing.T) {
	repo, db := testRepository(t)
	ctx := context.Background()

	// The migration seeds 100; the stored row beats the fallback.
	if got := repo.GlobalScalePercent(ctx, 50); got != 100 {
		t.Errorf("GlobalScalePercent() = %d, want seeded 100", got)
	}

	setScale := func(raw string) {
		t.Helper()
		_, err := db.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES ('global_scale_percent', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, raw)
		if err != nil {
			t.Fatalf("writing setting: %v", err)
		}
	}

	setScale("60")
	if got := repo.GlobalScalePercent(ctx, 100); got != 60 {
		t.Errorf("GlobalScalePercent() = %d, want 60", got)
	}

	// Out-of-range and garbage values fall back.
	setScale("250")
	if got := repo.GlobalScalePercent(ctx, 50); got != 50 {
		t.Errorf("GlobalScalePercent(250) = %d, want fallback 50", got)
	}
	setScale("not-a-number")
	if got := repo.GlobalScalePercent(ctx, 50); got != 50 {
		t.Errorf("GlobalScalePercent(garbage) = %d, want fallback 50", got)
	}
}
