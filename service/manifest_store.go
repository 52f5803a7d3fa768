package service

import (
	"database/sql"
	"fmt"
	"io/fs"

	"devkitd/manifest"
	"devkitd/transport"
)

// ManifestStore keeps transferred manifests in sqlite so deltas survive restarts.
type ManifestStore struct {
	db *sql.DB
}

func NewManifestStore(db *sql.DB) *ManifestStore {
	return &ManifestStore{db: db}
}

var _ transport.ManifestStore = (*ManifestStore)(nil)

func (s *ManifestStore) LoadManifest(deviceID, remotePath string, kind transport.ManifestKind) (manifest.Manifest, error) {
	rows, err := s.db.Query(`
		SELECT path, size, mode, fingerprint FROM manifests
		WHERE device_id = ? AND remote_path = ? AND kind = ?`,
		deviceID, remotePath, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(manifest.Manifest)
	for rows.Next() {
		var (
			e    manifest.Entry
			mode uint32
		)
		if err := rows.Scan(&e.Path, &e.Size, &mode, &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("reading manifest entry: %w", err)
		}
		e.Mode = fs.FileMode(mode)
		m[e.Path] = e
	}
	return m, rows.Err()
}

func (s *ManifestStore) RecordEntry(deviceID, remotePath string, kind transport.ManifestKind, e manifest.Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO manifests (device_id, remote_path, kind, path, size, mode, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, remote_path, kind, path)
		DO UPDATE SET size = excluded.size, mode = excluded.mode, fingerprint = excluded.fingerprint`,
		deviceID, remotePath, string(kind), e.Path, e.Size, uint32(e.Mode), e.Fingerprint)
	return err
}

func (s *ManifestStore) ForgetEntries(deviceID, remotePath string, kind transport.ManifestKind, paths []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM manifests WHERE device_id = ? AND remote_path = ? AND kind = ? AND path = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range paths {
		if _, err := stmt.Exec(deviceID, remotePath, string(kind), p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *ManifestStore) ReplaceManifest(deviceID, remotePath string, kind transport.ManifestKind, m manifest.Manifest) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM manifests WHERE device_id = ? AND remote_path = ? AND kind = ?`,
		deviceID, remotePath, string(kind)); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO manifests (device_id, remote_path, kind, path, size, mode, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range m {
		if _, err := stmt.Exec(deviceID, remotePath, string(kind), e.Path, e.Size, uint32(e.Mode), e.Fingerprint); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *ManifestStore) ClearManifest(deviceID, remotePath string, kind transport.ManifestKind) error {
	_, err := s.db.Exec(`DELETE FROM manifests WHERE device_id = ? AND remote_path = ? AND kind = ?`,
		deviceID, remotePath, string(kind))
	return err
}

// ForgetTitle drops the manifests of every directory of deviceID named gameID, returning
// how many entries went.
func (s *ManifestStore) ForgetTitle(deviceID, gameID string) (int64, error) {
	suffix := "/" + gameID
	res, err := s.db.Exec(`
		DELETE FROM manifests
		WHERE device_id = ? AND (remote_path = ? OR substr(remote_path, -length(?)) = ?)`,
		deviceID, gameID, suffix, suffix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// forgetDevice drops every manifest recorded for deviceID.
func forgetDevice(tx *sql.Tx, deviceID string) error {
	_, err := tx.Exec(`DELETE FROM manifests WHERE device_id = ?`, deviceID)
	return err
}
