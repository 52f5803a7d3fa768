package service

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"devkitd/config"
	"devkitd/models"
)

// DeviceRegistry is the set of known devkits. Every mutation is written to sqlite
// before it becomes visible in memory.
type DeviceRegistry struct {
	devices map[string]*models.Device
	order   []string // creation order
	mu      sync.RWMutex
	db      *sql.DB
	log     zerolog.Logger

	hooksMu  sync.Mutex
	onRemove []func(id string)
	onUpdate []func(before, after models.Device)
}

func NewDeviceRegistry(db *sql.DB, log zerolog.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*models.Device),
		db:      db,
		log:     log,
	}
}

// Load replaces the in-memory registry with the persisted one. An empty store yields an
// empty registry; rows that cannot be parsed fail with models.ErrCorruptStore.
func (r *DeviceRegistry) Load() error {
	rows, err := r.db.Query(`
		SELECT id, name, address, port, user, key_path, state, last_deployed_at, created_at, updated_at
		FROM devices ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("loading devices: %w", config.StoreError(err))
	}
	defer rows.Close()

	devices := make(map[string]*models.Device)
	var order []string
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return err
		}
		devices[d.ID] = d
		order = append(order, d.ID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading devices: %w", config.StoreError(err))
	}

	r.mu.Lock()
	r.devices = devices
	r.order = order
	r.mu.Unlock()

	r.log.Info().Int("devices", len(order)).Msg("Device registry loaded")
	return nil
}

func scanDevice(rows *sql.Rows) (*models.Device, error) {
	var (
		d                    models.Device
		state                string
		deployed             sql.NullString
		createdAt, updatedAt string
	)
	if err := rows.Scan(&d.ID, &d.Name, &d.Address, &d.Port, &d.User, &d.KeyPath,
		&state, &deployed, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrCorruptStore, err)
	}

	corrupt := func(field string, err error) error {
		return fmt.Errorf("%w: device %q: bad %s: %v", models.ErrCorruptStore, d.ID, field, err)
	}

	if d.ID == "" {
		return nil, corrupt("id", errors.New("empty"))
	}
	d.State = models.DeviceState(state)
	if !d.State.Valid() {
		return nil, corrupt("state", fmt.Errorf("%q", state))
	}
	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, corrupt("created_at", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, corrupt("updated_at", err)
	}
	if deployed.Valid {
		t, err := time.Parse(time.RFC3339Nano, deployed.String)
		if err != nil {
			return nil, corrupt("last_deployed_at", err)
		}
		d.LastDeployedAt = &t
	}
	return &d, nil
}

// Add registers device and returns its id. A missing id is minted; a supplied id that is
// already registered fails with models.ErrDuplicateIdentifier.
func (r *DeviceRegistry) Add(device models.Device) (string, error) {
	device.Address = strings.TrimSpace(device.Address)
	if device.Address == "" {
		return "", fmt.Errorf("%w: address is required", models.ErrInvalid)
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.Name == "" {
		device.Name = device.Address
	}
	device.State = models.DeviceUnknown
	device.LastDeployedAt = nil
	now := time.Now().UTC()
	device.CreatedAt, device.UpdatedAt = now, now

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[device.ID]; exists {
		return "", fmt.Errorf("%w: %s", models.ErrDuplicateIdentifier, device.ID)
	}

	_, err := r.db.Exec(`
		INSERT INTO devices (id, name, address, port, user, key_path, state, last_deployed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		device.ID, device.Name, device.Address, device.Port, device.User, device.KeyPath,
		string(device.State), formatTime(device.CreatedAt), formatTime(device.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("storing device: %w", err)
	}

	r.devices[device.ID] = &device
	r.order = append(r.order, device.ID)

	r.log.Info().Str("device_id", device.ID).Str("address", device.Address).Msg("Device added")
	return device.ID, nil
}

// Remove deletes the device and its recorded manifests. Removing an unknown id is not an error.
func (r *DeviceRegistry) Remove(id string) error {
	r.mu.Lock()
	if _, exists := r.devices[id]; !exists {
		r.mu.Unlock()
		return nil
	}

	err := r.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM devices WHERE id = ?`, id); err != nil {
			return err
		}
		return forgetDevice(tx, id)
	})
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("removing device: %w", err)
	}

	delete(r.devices, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.log.Info().Str("device_id", id).Msg("Device removed")

	r.hooksMu.Lock()
	hooks := append([]func(string){}, r.onRemove...)
	r.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// Update applies the non-nil fields of upd. When the address, port, user or key changes,
// the manifests recorded for the device are dropped in the same transaction: they describe
// what the previous host holds.
func (r *DeviceRegistry) Update(id string, upd models.DeviceUpdate) (models.Device, error) {
	r.mu.Lock()
	current, exists := r.devices[id]
	if !exists {
		r.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: device %s", models.ErrNotFound, id)
	}
	before := *current

	d := before
	if upd.Name != nil {
		d.Name = *upd.Name
	}
	if upd.Address != nil {
		addr := strings.TrimSpace(*upd.Address)
		if addr == "" {
			r.mu.Unlock()
			return models.Device{}, fmt.Errorf("%w: address is required", models.ErrInvalid)
		}
		d.Address = addr
	}
	if upd.Port != nil {
		d.Port = *upd.Port
	}
	if upd.User != nil {
		d.User = *upd.User
	}
	if upd.KeyPath != nil {
		d.KeyPath = *upd.KeyPath
	}
	d.UpdatedAt = time.Now().UTC()

	retarget := !d.SameTarget(before)
	if retarget {
		d.State = models.DeviceUnknown
	}
	err := r.inTx(func(tx *sql.Tx) error {
		if err := storeDevice(tx, &d); err != nil {
			return err
		}
		if retarget {
			return forgetDevice(tx, id)
		}
		return nil
	})
	if err != nil {
		r.mu.Unlock()
		return models.Device{}, err
	}
	r.devices[id] = &d
	r.mu.Unlock()

	if retarget {
		r.log.Info().Str("device_id", id).Str("address", d.Address).Msg("Device connection settings changed")
	}

	r.hooksMu.Lock()
	hooks := append([]func(models.Device, models.Device){}, r.onUpdate...)
	r.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(before, d)
	}
	return d, nil
}

func (r *DeviceRegistry) Get(id string) (models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.devices[id]
	if !exists {
		return models.Device{}, fmt.Errorf("%w: device %s", models.ErrNotFound, id)
	}
	return *d, nil
}

// List returns all devices in creation order.
func (r *DeviceRegistry) List() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]models.Device, 0, len(r.order))
	for _, id := range r.order {
		devices = append(devices, *r.devices[id])
	}
	return devices
}

// SetState records the last observed connectivity of a device.
func (r *DeviceRegistry) SetState(id string, state models.DeviceState) error {
	return r.mutate(id, func(d *models.Device) bool {
		if d.State == state {
			return false
		}
		d.State = state
		return true
	})
}

// MarkDeployed records a successful deployment at t.
func (r *DeviceRegistry) MarkDeployed(id string, t time.Time) error {
	t = t.UTC()
	return r.mutate(id, func(d *models.Device) bool {
		d.LastDeployedAt = &t
		return true
	})
}

// OnRemove registers fn to run after a device has been removed.
func (r *DeviceRegistry) OnRemove(fn func(id string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// OnUpdate registers fn to run after Update with the device before and after the change.
func (r *DeviceRegistry) OnUpdate(fn func(before, after models.Device)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onUpdate = append(r.onUpdate, fn)
}

func (r *DeviceRegistry) mutate(id string, fn func(*models.Device) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.devices[id]
	if !exists {
		return fmt.Errorf("%w: device %s", models.ErrNotFound, id)
	}
	d := *current
	if !fn(&d) {
		return nil
	}
	d.UpdatedAt = time.Now().UTC()
	if err := storeDevice(r.db, &d); err != nil {
		return err
	}
	r.devices[id] = &d
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func storeDevice(db execer, d *models.Device) error {
	var deployed any
	if d.LastDeployedAt != nil {
		deployed = formatTime(*d.LastDeployedAt)
	}
	_, err := db.Exec(`
		UPDATE devices SET name = ?, address = ?, port = ?, user = ?, key_path = ?, state = ?,
			last_deployed_at = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Address, d.Port, d.User, d.KeyPath, string(d.State),
		deployed, formatTime(d.UpdatedAt), d.ID)
	if err != nil {
		return fmt.Errorf("storing device: %w", err)
	}
	return nil
}

func (r *DeviceRegistry) inTx(fn func(*sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
