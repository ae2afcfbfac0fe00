package crmsync

import (
	"sync"
)

// MemoryRecordStore keeps sync records in memory, keyed by
// (tenant, object type, local id). Suitable for tests and single-node
// deployments; durable deployments plug in a SQL-backed store.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*SyncRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*SyncRecord)}
}

func recordKey(tenantID, objectType, localID string) string {
	return tenantID + "/" + objectType + "/" + localID
}

func (s *MemoryRecordStore) Get(tenantID, objectType, localID string) (*SyncRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(tenantID, objectType, localID)]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (s *MemoryRecordStore) ByRemoteID(tenantID, objectType, remoteID string) (*SyncRecord, bool) {
	if remoteID == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.ObjectType == objectType && rec.RemoteID == remoteID {
			cp := *rec
			return &cp, true
		}
	}
	return nil, false
}

func (s *MemoryRecordStore) Put(rec *SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[recordKey(rec.TenantID, rec.ObjectType, rec.LocalID)] = &cp
	return nil
}

func (s *MemoryRecordStore) List(tenantID, objectType string) []*SyncRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*SyncRecord
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.ObjectType == objectType {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

var _ RecordStore = (*MemoryRecordStore)(nil)
