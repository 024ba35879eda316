package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// RememberPeer pins a device's identity key on first contact and refreshes
// its name and address afterwards. A known device presenting a different
// key returns ErrPeerKeyChanged and nothing is updated.
func (s *Store) RememberPeer(peer KnownPeer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.Ed25519PublicKey == "" {
		return errors.New("ed25519_public_key is required")
	}
	if peer.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	now := nowUnixMilli()

	existing, err := s.GetPeer(peer.DeviceID)
	switch {
	case errors.Is(err, ErrNotFound):
		_, err := s.db.Exec(
			`INSERT INTO peers (
				device_id,
				device_name,
				ed25519_public_key,
				key_fingerprint,
				first_seen,
				last_seen,
				last_address
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			peer.DeviceID,
			peer.DeviceName,
			peer.Ed25519PublicKey,
			peer.KeyFingerprint,
			now,
			now,
			nullString(peer.LastAddress),
		)
		if err != nil {
			return fmt.Errorf("insert peer %q: %w", peer.DeviceID, err)
		}
		return nil
	case err != nil:
		return err
	}

	if existing.Ed25519PublicKey != peer.Ed25519PublicKey {
		return fmt.Errorf("device %q: %w", peer.DeviceID, ErrPeerKeyChanged)
	}

	name := peer.DeviceName
	if name == "" {
		name = existing.DeviceName
	}
	_, err = s.db.Exec(
		`UPDATE peers
		SET device_name = ?, last_seen = ?, last_address = COALESCE(?, last_address)
		WHERE device_id = ?`,
		name,
		now,
		nullString(peer.LastAddress),
		peer.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer %q: %w", peer.DeviceID, err)
	}
	return nil
}

// GetPeer fetches a known peer by device ID.
func (s *Store) GetPeer(deviceID string) (*KnownPeer, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			ed25519_public_key,
			key_fingerprint,
			first_seen,
			last_seen,
			last_address
		FROM peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}
	return peer, nil
}

// ListPeers returns all known peers sorted by device name.
func (s *Store) ListPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			ed25519_public_key,
			key_fingerprint,
			first_seen,
			last_seen,
			last_address
		FROM peers
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]KnownPeer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

// ForgetPeer removes a pinned peer so its next key is accepted again.
func (s *Store) ForgetPeer(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete peer %q: %w", deviceID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for peer %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPeer(row scanner) (*KnownPeer, error) {
	var (
		peer        KnownPeer
		lastAddress sql.NullString
	)
	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.FirstSeen,
		&peer.LastSeen,
		&lastAddress,
	); err != nil {
		return nil, err
	}
	peer.LastAddress = stringPtr(lastAddress)
	return &peer, nil
}
