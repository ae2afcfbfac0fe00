package crmsync

import (
	"context"
	"errors"
	"time"
)

// Direction of travel for one object type.
type Direction string

const (
	DirectionInbound       Direction = "inbound"
	DirectionOutbound      Direction = "outbound"
	DirectionBidirectional Direction = "bidirectional"
)

// Status of one sync record.
type Status string

const (
	StatusSynced   Status = "synced"
	StatusPending  Status = "pending"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// Strategy resolves conflicting modifications.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyMerge         Strategy = "merge"
	StrategyManual        Strategy = "manual"
)

// ErrSyncInFlight rejects a pass start while one is already running for
// the same (tenant, object type).
var ErrSyncInFlight = errors.New("a sync pass is already in flight for this tenant and object type")

// Object is the wire-neutral shape both sides expose to the synchroniser.
type Object struct {
	ID         string
	Fields     map[string]any
	ModifiedAt time.Time
}

// SyncRecord links one local record to its remote counterpart. At most one
// record exists per (tenant, object type, local id).
type SyncRecord struct {
	TenantID         string    `json:"tenant_id"`
	ObjectType       string    `json:"object_type"`
	LocalID          string    `json:"local_id"`
	RemoteID         string    `json:"remote_id,omitempty"`
	Direction        Direction `json:"direction"`
	LastSyncAt       time.Time `json:"last_sync_at"`
	LocalModifiedAt  time.Time `json:"local_modified_at"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	Status           Status    `json:"status"`
	Strategy         Strategy  `json:"strategy,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	Retries          int       `json:"retries"`
}

// ChangeEvent is one remote-side change notification.
type ChangeEvent struct {
	TenantID   string
	ObjectType string
	RemoteID   string
	At         time.Time
}

// Client is the remote CRM surface the synchroniser consumes. The wire
// protocol behind it is opaque.
type Client interface {
	List(ctx context.Context, tenantID, objectType string, since time.Time) ([]Object, error)
	Upsert(ctx context.Context, tenantID, objectType string, obj Object) (remoteID string, err error)
	Watch(ctx context.Context, tenantID string) (<-chan ChangeEvent, error)
}

// Local is the local side of the sync.
type Local interface {
	List(ctx context.Context, tenantID, objectType string, since time.Time) ([]Object, error)
	Upsert(ctx context.Context, tenantID, objectType string, obj Object) error
}

// RecordStore persists sync records transactionally per record.
type RecordStore interface {
	Get(tenantID, objectType, localID string) (*SyncRecord, bool)
	ByRemoteID(tenantID, objectType, remoteID string) (*SyncRecord, bool)
	Put(rec *SyncRecord) error
	List(tenantID, objectType string) []*SyncRecord
}
