package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrPeerKeyChanged indicates a known device presented a different identity key.
	ErrPeerKeyChanged = errors.New("storage: peer identity key changed")
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Session statuses stored in transfers.status.
const (
	TransferStatusPending   = "pending"
	TransferStatusActive    = "active"
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
	TransferStatusRejected  = "rejected"
)

// File statuses stored in transfer_files.status.
const (
	FileStatusPending   = "pending"
	FileStatusCompleted = "completed"
	FileStatusFailed    = "failed"
	FileStatusCancelled = "cancelled"
)

// KnownPeer is a device whose identity key has been seen before.
type KnownPeer struct {
	DeviceID         string
	DeviceName       string
	Ed25519PublicKey string
	KeyFingerprint   string
	FirstSeen        int64
	LastSeen         int64
	LastAddress      *string
}

// TransferRecord is one session in the transfer history.
type TransferRecord struct {
	SessionID        string
	PeerID           string
	PeerName         string
	Direction        string
	Status           string
	TotalSize        int64
	BytesTransferred int64
	Location         string
	Detail           string
	StartedAt        int64
	FinishedAt       *int64
	Files            []TransferFileRecord
}

// TransferFileRecord is one file of a recorded session.
type TransferFileRecord struct {
	FileID       uint32
	RelativePath string
	Size         int64
	Hash         string
	Status       string
	Detail       string
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusActive, TransferStatusCompleted,
		TransferStatusFailed, TransferStatusCancelled, TransferStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateFileStatus(status string) error {
	switch status {
	case FileStatusPending, FileStatusCompleted, FileStatusFailed, FileStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid file status %q", status)
	}
}

func isTerminalTransferStatus(status string) bool {
	switch status {
	case TransferStatusCompleted, TransferStatusFailed, TransferStatusCancelled, TransferStatusRejected:
		return true
	}
	return false
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
