package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer inserts a session row together with its file rows.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.SessionID == "" {
		return errors.New("session_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = TransferStatusPending
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.StartedAt == 0 {
		record.StartedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save transfer: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(
		`INSERT INTO transfers (
			session_id,
			peer_id,
			peer_name,
			direction,
			status,
			total_size,
			bytes_transferred,
			location,
			detail,
			started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.PeerID,
		record.PeerName,
		record.Direction,
		record.Status,
		record.TotalSize,
		record.BytesTransferred,
		record.Location,
		record.Detail,
		record.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.SessionID, err)
	}

	for _, file := range record.Files {
		if file.Status == "" {
			file.Status = FileStatusPending
		}
		if err := validateFileStatus(file.Status); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO transfer_files (
				session_id,
				file_id,
				relative_path,
				size,
				hash,
				status,
				detail
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			record.SessionID,
			file.FileID,
			file.RelativePath,
			file.Size,
			file.Hash,
			file.Status,
			file.Detail,
		)
		if err != nil {
			return fmt.Errorf("insert transfer file %q/%d: %w", record.SessionID, file.FileID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save transfer: %w", err)
	}
	return nil
}

// UpdateTransferStatus records a session status change. Terminal statuses
// also stamp finished_at.
func (s *Store) UpdateTransferStatus(sessionID, status, detail string, bytesTransferred int64) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	var finishedAt sql.NullInt64
	if isTerminalTransferStatus(status) {
		finishedAt = sql.NullInt64{Int64: nowUnixMilli(), Valid: true}
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			detail = ?,
			bytes_transferred = ?,
			finished_at = COALESCE(?, finished_at)
		WHERE session_id = ?`,
		status,
		detail,
		bytesTransferred,
		finishedAt,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", sessionID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer status %q: %w", sessionID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFileStatus records the outcome of one file of a session.
func (s *Store) UpdateFileStatus(sessionID string, fileID uint32, status, detail string) error {
	if sessionID == "" {
		return errors.New("session_id is required")
	}
	if err := validateFileStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfer_files
		SET status = ?, detail = ?
		WHERE session_id = ? AND file_id = ?`,
		status,
		detail,
		sessionID,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("update transfer file status %q/%d: %w", sessionID, fileID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer file status %q/%d: %w", sessionID, fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one session with its files.
func (s *Store) GetTransfer(sessionID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			session_id,
			peer_id,
			peer_name,
			direction,
			status,
			total_size,
			bytes_transferred,
			location,
			detail,
			started_at,
			finished_at
		FROM transfers
		WHERE session_id = ?`,
		sessionID,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", sessionID, err)
	}

	files, err := s.listTransferFiles(sessionID)
	if err != nil {
		return nil, err
	}
	record.Files = files
	return record, nil
}

// ListTransfers returns the most recent sessions first, without file rows.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT
			session_id,
			peer_id,
			peer_name,
			direction,
			status,
			total_size,
			bytes_transferred,
			location,
			detail,
			started_at,
			finished_at
		FROM transfers
		ORDER BY started_at DESC, session_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return records, nil
}

func (s *Store) listTransferFiles(sessionID string) ([]TransferFileRecord, error) {
	rows, err := s.db.Query(
		`SELECT file_id, relative_path, size, hash, status, detail
		FROM transfer_files
		WHERE session_id = ?
		ORDER BY file_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer files %q: %w", sessionID, err)
	}
	defer rows.Close()

	files := make([]TransferFileRecord, 0)
	for rows.Next() {
		var file TransferFileRecord
		if err := rows.Scan(&file.FileID, &file.RelativePath, &file.Size, &file.Hash, &file.Status, &file.Detail); err != nil {
			return nil, fmt.Errorf("scan transfer file row: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer file rows: %w", err)
	}
	return files, nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var (
		record     TransferRecord
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.SessionID,
		&record.PeerID,
		&record.PeerName,
		&record.Direction,
		&record.Status,
		&record.TotalSize,
		&record.BytesTransferred,
		&record.Location,
		&record.Detail,
		&record.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	record.FinishedAt = int64Ptr(finishedAt)
	return &record, nil
}
