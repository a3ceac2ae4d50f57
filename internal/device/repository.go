package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/pulselink-core/internal/infrastructure/database"
)

// Repository persists devices and hub settings in SQLite.
//
// The settings table is read-only from the hub's point of view: values are
// written by the external settings UI and only consumed here.
type Repository struct {
	db *database.DB
}

// NewRepository creates a device repository backed by the given database.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// configEnvelope wraps a connection config with its mode tag for storage.
type configEnvelope struct {
	Mode ConnectionMode  `json:"mode"`
	Data json.RawMessage `json:"data"`
}

// encodeConfig serialises a tagged connection config.
func encodeConfig(cfg ConnectionConfig) (string, error) {
	if cfg == nil {
		return "{}", nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	env, err := json.Marshal(configEnvelope{Mode: cfg.Mode(), Data: data})
	if err != nil {
		return "", err
	}
	return string(env), nil
}

// decodeConfig restores a tagged connection config. An empty or untagged
// payload yields nil.
func decodeConfig(raw string) (ConnectionConfig, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var env configEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}

	mode, err := ParseMode(string(env.Mode))
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeBLE:
		var c BLEConfig
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ModeRelay:
		var c RelayConfig
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ModeIMRelay:
		var c IMRelayConfig
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ModeVirtual:
		return VirtualConfig{}, nil
	}
	return nil, ErrInvalidMode
}

// Create inserts a new device row.
func (r *Repository) Create(ctx context.Context, dev *Device) error {
	cfgJSON, err := encodeConfig(dev.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	limitA, limitB := channelLimits(dev)

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, family, mode, generation, config, limit_a, limit_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dev.ID, dev.Name, string(dev.Family), string(dev.Mode), string(dev.Generation),
		cfgJSON, limitA, limitB, dev.CreatedAt, dev.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update rewrites a device row.
func (r *Repository) Update(ctx context.Context, dev *Device) error {
	cfgJSON, err := encodeConfig(dev.Config)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	limitA, limitB := channelLimits(dev)

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET name = ?, family = ?, mode = ?, generation = ?, config = ?, limit_a = ?, limit_b = ?, updated_at = ?
		WHERE id = ?`,
		dev.Name, string(dev.Family), string(dev.Mode), string(dev.Generation),
		cfgJSON, limitA, limitB, time.Now().UTC(), dev.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a device row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one device by id.
func (r *Repository) Get(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, family, mode, generation, config, limit_a, limit_b, created_at, updated_at
		FROM devices WHERE id = ?`, id)
	dev, err := scanDevice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return dev, err
}

// List loads all devices ordered by creation time.
func (r *Repository) List(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, family, mode, generation, config, limit_a, limit_b, created_at, updated_at
		FROM devices ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var out []*Device
	for rows.Next() {
		dev, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

// GlobalScalePercent reads the persisted global strength-scale factor.
// Missing or malformed values fall back to the supplied default.
func (r *Repository) GlobalScalePercent(ctx context.Context, fallback int) int {
	var raw string
	err := r.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = 'global_scale_percent'").Scan(&raw)
	if err != nil {
		return fallback
	}
	var scale int
	if _, err := fmt.Sscanf(raw, "%d", &scale); err != nil || scale < 0 || scale > 100 {
		return fallback
	}
	return scale
}

func scanDevice(scan func(dest ...any) error) (*Device, error) {
	var (
		dev                      Device
		family, mode, generation string
		cfgJSON                  string
		limitA, limitB           int
	)
	if err := scan(&dev.ID, &dev.Name, &family, &mode, &generation,
		&cfgJSON, &limitA, &limitB, &dev.CreatedAt, &dev.UpdatedAt); err != nil {
		return nil, err
	}

	dev.Family = Family(family)
	canonical, err := ParseMode(mode)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dev.ID, err)
	}
	dev.Mode = canonical
	dev.Generation = Generation(generation)
	dev.Status = StatusDisconnected
	dev.Capabilities = defaultCapabilities(dev.Family, dev.Generation)

	cfg, err := decodeConfig(cfgJSON)
	if err != nil {
		return nil, fmt.Errorf("device %s: decoding config: %w", dev.ID, err)
	}
	dev.Config = cfg

	switch dev.Family {
	case FamilyStimulation:
		dev.Channels = map[Channel]*ChannelState{
			ChannelA: {Limit: clamp(limitA, 0, MaxStrengthEMS)},
			ChannelB: {Limit: clamp(limitB, 0, MaxStrengthEMS)},
		}
	case FamilyActuator:
		dev.Channels = map[Channel]*ChannelState{
			ChannelA: {Limit: clamp(limitA, 0, MaxStrengthActuator)},
		}
	}

	return &dev, nil
}

func channelLimits(dev *Device) (limitA, limitB int) {
	limitA, limitB = MaxStrengthEMS, MaxStrengthEMS
	if st := dev.Channels[ChannelA]; st != nil {
		limitA = st.Limit
	}
	if st := dev.Channels[ChannelB]; st != nil {
		limitB = st.Limit
	}
	return limitA, limitB
}
