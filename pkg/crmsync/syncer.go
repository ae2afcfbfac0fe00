package crmsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dialogtree/dialog/pkg/observability"
	"github.com/dialogtree/dialog/pkg/orchestrator"
)

// Config tunes the synchroniser.
type Config struct {
	Interval          time.Duration `yaml:"interval"`
	Debounce          time.Duration `yaml:"debounce"`
	DLQMaxSize        int           `yaml:"dlq_max_size"`
	DLQTTL            time.Duration `yaml:"dlq_ttl"`
	LagAlarmThreshold time.Duration `yaml:"lag_alarm_threshold"`
	BreakerThreshold  int           `yaml:"breaker_threshold"`
	BreakerCoolDown   time.Duration `yaml:"breaker_cool_down"`
}

func (c *Config) SetDefaults() {
	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Debounce == 0 {
		c.Debounce = 2 * time.Second
	}
	if c.DLQMaxSize == 0 {
		c.DLQMaxSize = 1000
	}
	if c.DLQTTL == 0 {
		c.DLQTTL = 7 * 24 * time.Hour
	}
	if c.LagAlarmThreshold == 0 {
		c.LagAlarmThreshold = 15 * time.Minute
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCoolDown == 0 {
		c.BreakerCoolDown = 60 * time.Second
	}
}

// Outcome summarises one sync pass.
type Outcome struct {
	TenantID      string        `json:"tenant_id"`
	ObjectType    string        `json:"object_type"`
	StartedAt     time.Time     `json:"started_at"`
	Elapsed       time.Duration `json:"elapsed"`
	Pushed        int           `json:"pushed"`
	Pulled        int           `json:"pulled"`
	Conflicts     int           `json:"conflicts"`
	CreatedLocal  int           `json:"created_local"`
	CreatedRemote int           `json:"created_remote"`
	Errors        int           `json:"errors"`
	Err           string        `json:"error,omitempty"`
}

// Health is the synchroniser's externally visible condition.
type Health struct {
	LagByType         map[string]time.Duration `json:"lag_by_type"`
	LagAlarm          bool                     `json:"lag_alarm"`
	DLQSize           int                      `json:"dlq_size"`
	ConflictQueueSize int                      `json:"conflict_queue_size"`
	ClientCircuit     string                   `json:"client_circuit"`
	LastOutcome       map[string]Outcome       `json:"last_outcome"`
}

// Syncer keeps local records and remote CRM objects converged. One pass
// per (tenant, object type) is in flight at a time; further starts are
// rejected with ErrSyncInFlight. Real-time change events coalesce under a
// debounce window.
type Syncer struct {
	client     Client
	local      Local
	records    RecordStore
	transforms *Transforms
	mappings   map[string]*Mapping
	dlq        *DLQ
	conflicts  *ConflictQueue
	breaker    *orchestrator.CircuitBreaker
	recorder   observability.Recorder
	cfg        Config

	sf singleflight.Group

	mu            sync.Mutex
	inFlight      map[string]bool
	lastPass      map[string]time.Time
	lastRemoteMod map[string]time.Time
	lastOutcome   map[string]Outcome
	debouncers    map[string]*time.Timer

	now    func() time.Time
	stopCh chan struct{}
	stopWg sync.WaitGroup
	once   sync.Once
}

// New builds a synchroniser. The recorder may be nil.
func New(client Client, local Local, records RecordStore, transforms *Transforms, mappings []*Mapping, recorder observability.Recorder, cfg Config) *Syncer {
	cfg.SetDefaults()
	byType := make(map[string]*Mapping, len(mappings))
	for _, m := range mappings {
		m.SetDefaults()
		byType[m.ObjectType] = m
	}
	return &Syncer{
		client:        client,
		local:         local,
		records:       records,
		transforms:    transforms,
		mappings:      byType,
		dlq:           NewDLQ(cfg.DLQMaxSize, cfg.DLQTTL),
		conflicts:     NewConflictQueue(),
		breaker:       orchestrator.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCoolDown),
		recorder:      recorder,
		cfg:           cfg,
		inFlight:      make(map[string]bool),
		lastPass:      make(map[string]time.Time),
		lastRemoteMod: make(map[string]time.Time),
		lastOutcome:   make(map[string]Outcome),
		debouncers:    make(map[string]*time.Timer),
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// DLQ exposes the dead-letter queue for draining.
func (s *Syncer) DLQ() *DLQ { return s.dlq }

// Conflicts exposes the manual-resolution queue.
func (s *Syncer) Conflicts() *ConflictQueue { return s.conflicts }

func passKey(tenantID, objectType string) string { return tenantID + "/" + objectType }

// FullSync runs a bidirectional full pass.
func (s *Syncer) FullSync(ctx context.Context, tenantID, objectType string) (*Outcome, error) {
	return s.runPass(ctx, tenantID, objectType, time.Time{})
}

// IncrementalSync restricts both enumerations to items modified since the
// last successful pass for the type.
func (s *Syncer) IncrementalSync(ctx context.Context, tenantID, objectType string) (*Outcome, error) {
	s.mu.Lock()
	since := s.lastPass[passKey(tenantID, objectType)]
	s.mu.Unlock()
	return s.runPass(ctx, tenantID, objectType, since)
}

func (s *Syncer) runPass(ctx context.Context, tenantID, objectType string, since time.Time) (*Outcome, error) {
	mapping, ok := s.mappings[objectType]
	if !ok {
		return nil, fmt.Errorf("no mapping configured for object type %q", objectType)
	}

	key := passKey(tenantID, objectType)
	s.mu.Lock()
	if s.inFlight[key] {
		s.mu.Unlock()
		return nil, ErrSyncInFlight
	}
	s.inFlight[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, key)
		s.mu.Unlock()
	}()

	started := s.now()
	outcome, err := s.execute(ctx, tenantID, objectType, mapping, since)
	outcome.TenantID = tenantID
	outcome.ObjectType = objectType
	outcome.StartedAt = started
	outcome.Elapsed = s.now().Sub(started)
	if err != nil {
		outcome.Err = err.Error()
	}

	s.mu.Lock()
	s.lastOutcome[key] = *outcome
	if err == nil {
		s.lastPass[key] = started
	}
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordSyncPass(ctx, tenantID, objectType, outcome.Elapsed, err)
	}
	return outcome, err
}

func (s *Syncer) execute(ctx context.Context, tenantID, objectType string, mapping *Mapping, since time.Time) (*Outcome, error) {
	outcome := &Outcome{}

	if !s.breaker.Allow() {
		return outcome, fmt.Errorf("crm client circuit open")
	}

	locals, err := s.local.List(ctx, tenantID, objectType, since)
	if err != nil {
		return outcome, fmt.Errorf("failed to list local records: %w", err)
	}
	remotes, err := s.client.List(ctx, tenantID, objectType, since)
	if err != nil {
		s.breaker.RecordFailure()
		return outcome, fmt.Errorf("failed to list remote records: %w", err)
	}
	s.breaker.RecordSuccess()

	remoteByID := make(map[string]Object, len(remotes))
	for _, r := range remotes {
		remoteByID[r.ID] = r
		s.observeRemoteMod(objectType, r.ModifiedAt)
	}
	seenRemote := make(map[string]bool, len(remotes))

	for _, localObj := range locals {
		rec, exists := s.records.Get(tenantID, objectType, localObj.ID)
		if !exists {
			// Never synced: create the remote counterpart.
			if mapping.Direction == DirectionInbound {
				continue
			}
			s.createRemote(ctx, tenantID, objectType, mapping, localObj, outcome)
			continue
		}

		remoteObj, haveRemote := remoteByID[rec.RemoteID]
		if haveRemote {
			seenRemote[rec.RemoteID] = true
		}

		localMod := localObj.ModifiedAt
		remoteMod := rec.RemoteModifiedAt
		if haveRemote {
			remoteMod = remoteObj.ModifiedAt
		}

		switch {
		case haveRemote && detectConflict(rec, localMod, remoteMod):
			outcome.Conflicts++
			s.resolve(ctx, tenantID, objectType, mapping, localObj, remoteObj, rec, outcome)
		case localMod.After(rec.LastSyncAt) && mapping.Direction != DirectionInbound:
			s.push(ctx, tenantID, objectType, mapping, localObj, rec, outcome)
		case haveRemote && remoteMod.After(rec.LastSyncAt) && mapping.Direction != DirectionOutbound:
			s.pull(ctx, tenantID, objectType, mapping, remoteObj, rec, outcome)
		}
	}

	// Remote records with no local counterpart.
	if mapping.Direction != DirectionOutbound {
		for _, remoteObj := range remotes {
			if seenRemote[remoteObj.ID] {
				continue
			}
			if _, exists := s.records.ByRemoteID(tenantID, objectType, remoteObj.ID); exists {
				continue
			}
			s.createLocal(ctx, tenantID, objectType, mapping, remoteObj, outcome)
		}
	}

	return outcome, nil
}

func (s *Syncer) push(ctx context.Context, tenantID, objectType string, mapping *Mapping, localObj Object, rec *SyncRecord, outcome *Outcome) {
	mapped, err := mapping.LocalToRemote(s.transforms, localObj)
	if err != nil {
		s.recordFailure(tenantID, objectType, mapping, localObj, rec, err, outcome)
		return
	}
	mapped.ID = rec.RemoteID

	remoteID, err := s.client.Upsert(ctx, tenantID, objectType, mapped)
	if err != nil {
		s.breaker.RecordFailure()
		s.recordFailure(tenantID, objectType, mapping, localObj, rec, err, outcome)
		return
	}
	s.breaker.RecordSuccess()

	rec.RemoteID = remoteID
	rec.LocalModifiedAt = localObj.ModifiedAt
	rec.RemoteModifiedAt = localObj.ModifiedAt
	s.markSynced(rec, StrategyLastWriteWins)
	outcome.Pushed++
}

func (s *Syncer) pull(ctx context.Context, tenantID, objectType string, mapping *Mapping, remoteObj Object, rec *SyncRecord, outcome *Outcome) {
	mapped, err := mapping.RemoteToLocal(s.transforms, remoteObj)
	if err != nil {
		s.recordFailure(tenantID, objectType, mapping, remoteObj, rec, err, outcome)
		return
	}
	mapped.ID = rec.LocalID

	if err := s.local.Upsert(ctx, tenantID, objectType, mapped); err != nil {
		s.recordFailure(tenantID, objectType, mapping, remoteObj, rec, err, outcome)
		return
	}

	rec.RemoteModifiedAt = remoteObj.ModifiedAt
	rec.LocalModifiedAt = remoteObj.ModifiedAt
	s.markSynced(rec, StrategyLastWriteWins)
	outcome.Pulled++
}

func (s *Syncer) resolve(ctx context.Context, tenantID, objectType string, mapping *Mapping, localObj, remoteObj Object, rec *SyncRecord, outcome *Outcome) {
	res := resolveConflict(mapping.Strategy, localObj, remoteObj)
	if res.manual {
		rec.Status = StatusConflict
		rec.Strategy = StrategyManual
		if err := s.records.Put(rec); err != nil {
			slog.Warn("Failed to persist conflict record", "local_id", rec.LocalID, "error", err)
		}
		s.conflicts.Push(ConflictPair{
			TenantID:   tenantID,
			ObjectType: objectType,
			Local:      localObj,
			Remote:     remoteObj,
			At:         s.now(),
		})
		return
	}

	winner := *res.winner
	if res.toRemote {
		mapped, err := mapping.LocalToRemote(s.transforms, winner)
		if err != nil {
			s.recordFailure(tenantID, objectType, mapping, winner, rec, err, outcome)
			return
		}
		mapped.ID = rec.RemoteID
		remoteID, err := s.client.Upsert(ctx, tenantID, objectType, mapped)
		if err != nil {
			s.breaker.RecordFailure()
			s.recordFailure(tenantID, objectType, mapping, winner, rec, err, outcome)
			return
		}
		s.breaker.RecordSuccess()
		rec.RemoteID = remoteID
	} else {
		mapped, err := mapping.RemoteToLocal(s.transforms, winner)
		if err != nil {
			s.recordFailure(tenantID, objectType, mapping, winner, rec, err, outcome)
			return
		}
		mapped.ID = rec.LocalID
		if err := s.local.Upsert(ctx, tenantID, objectType, mapped); err != nil {
			s.recordFailure(tenantID, objectType, mapping, winner, rec, err, outcome)
			return
		}
	}

	rec.LocalModifiedAt = winner.ModifiedAt
	rec.RemoteModifiedAt = winner.ModifiedAt
	s.markSynced(rec, mapping.Strategy)
}

func (s *Syncer) createRemote(ctx context.Context, tenantID, objectType string, mapping *Mapping, localObj Object, outcome *Outcome) {
	rec := &SyncRecord{
		TenantID:        tenantID,
		ObjectType:      objectType,
		LocalID:         localObj.ID,
		Direction:       mapping.Direction,
		LocalModifiedAt: localObj.ModifiedAt,
		Status:          StatusPending,
	}
	mapped, err := mapping.LocalToRemote(s.transforms, localObj)
	if err != nil {
		s.recordFailure(tenantID, objectType, mapping, localObj, rec, err, outcome)
		return
	}
	remoteID, err := s.client.Upsert(ctx, tenantID, objectType, mapped)
	if err != nil {
		s.breaker.RecordFailure()
		s.recordFailure(tenantID, objectType, mapping, localObj, rec, err, outcome)
		return
	}
	s.breaker.RecordSuccess()

	rec.RemoteID = remoteID
	rec.RemoteModifiedAt = localObj.ModifiedAt
	s.markSynced(rec, StrategyLastWriteWins)
	outcome.CreatedRemote++
}

func (s *Syncer) createLocal(ctx context.Context, tenantID, objectType string, mapping *Mapping, remoteObj Object, outcome *Outcome) {
	mapped, err := mapping.RemoteToLocal(s.transforms, remoteObj)
	if err != nil {
		slog.Warn("Failed to map new remote record", "remote_id", remoteObj.ID, "error", err)
		outcome.Errors++
		return
	}
	if err := s.local.Upsert(ctx, tenantID, objectType, mapped); err != nil {
		slog.Warn("Failed to create local record", "remote_id", remoteObj.ID, "error", err)
		outcome.Errors++
		return
	}

	rec := &SyncRecord{
		TenantID:         tenantID,
		ObjectType:       objectType,
		LocalID:          mapped.ID,
		RemoteID:         remoteObj.ID,
		Direction:        mapping.Direction,
		LocalModifiedAt:  remoteObj.ModifiedAt,
		RemoteModifiedAt: remoteObj.ModifiedAt,
	}
	s.markSynced(rec, StrategyLastWriteWins)
	outcome.CreatedLocal++
}

func (s *Syncer) markSynced(rec *SyncRecord, strategy Strategy) {
	rec.Status = StatusSynced
	rec.Strategy = strategy
	rec.LastSyncAt = s.now()
	rec.LastError = ""
	rec.Retries = 0
	if err := s.records.Put(rec); err != nil {
		slog.Warn("Failed to persist sync record", "local_id", rec.LocalID, "error", err)
	}
}

func (s *Syncer) recordFailure(tenantID, objectType string, mapping *Mapping, obj Object, rec *SyncRecord, err error, outcome *Outcome) {
	outcome.Errors++
	rec.Status = StatusFailed
	rec.LastError = err.Error()
	rec.Retries++
	if putErr := s.records.Put(rec); putErr != nil {
		slog.Warn("Failed to persist sync record", "local_id", rec.LocalID, "error", putErr)
	}

	if rec.Retries > mapping.RetryLimit {
		s.dlq.Push(DeadLetter{
			ObjectType: objectType,
			Record:     obj,
			Error:      err.Error(),
			Retries:    rec.Retries,
			At:         s.now(),
		})
	}
	slog.Warn("Sync record failed",
		"tenant", tenantID,
		"object_type", objectType,
		"local_id", rec.LocalID,
		"retries", rec.Retries,
		"error", err)
}

func (s *Syncer) observeRemoteMod(objectType string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastRemoteMod[objectType]) {
		s.lastRemoteMod[objectType] = at
	}
}

// Health reports lag, queue depths and the client circuit.
func (s *Syncer) Health() Health {
	s.mu.Lock()
	lag := make(map[string]time.Duration, len(s.lastRemoteMod))
	alarm := false
	for objectType, at := range s.lastRemoteMod {
		l := s.now().Sub(at)
		lag[objectType] = l
		if l > s.cfg.LagAlarmThreshold {
			alarm = true
		}
	}
	outcomes := make(map[string]Outcome, len(s.lastOutcome))
	for k, v := range s.lastOutcome {
		outcomes[k] = v
	}
	s.mu.Unlock()

	return Health{
		LagByType:         lag,
		LagAlarm:          alarm,
		DLQSize:           s.dlq.Len(),
		ConflictQueueSize: s.conflicts.Len(),
		ClientCircuit:     s.breaker.State().String(),
		LastOutcome:       outcomes,
	}
}

// HandleChange coalesces real-time change events: events for the same
// (tenant, object type) within the debounce window trigger one
// incremental pass.
func (s *Syncer) HandleChange(ev ChangeEvent) {
	key := passKey(ev.TenantID, ev.ObjectType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.debouncers[key]; ok {
		timer.Reset(s.cfg.Debounce)
		return
	}
	s.debouncers[key] = time.AfterFunc(s.cfg.Debounce, func() {
		s.mu.Lock()
		delete(s.debouncers, key)
		s.mu.Unlock()

		// singleflight folds triggers racing with a running pass.
		_, _, _ = s.sf.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_, err := s.IncrementalSync(ctx, ev.TenantID, ev.ObjectType)
			if err != nil && err != ErrSyncInFlight {
				slog.Warn("Real-time sync pass failed", "tenant", ev.TenantID, "object_type", ev.ObjectType, "error", err)
			}
			return nil, nil
		})
	})
}

// Start runs the background scheduler and the real-time watch for the
// given tenants.
func (s *Syncer) Start(tenants []string) {
	s.stopWg.Add(1)
	go func() {
		defer s.stopWg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				for _, tenant := range tenants {
					for objectType := range s.mappings {
						ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
						if _, err := s.IncrementalSync(ctx, tenant, objectType); err != nil && err != ErrSyncInFlight {
							slog.Warn("Scheduled sync pass failed", "tenant", tenant, "object_type", objectType, "error", err)
						}
						cancel()
					}
				}
			}
		}
	}()

	for _, tenant := range tenants {
		tenant := tenant
		s.stopWg.Add(1)
		go func() {
			defer s.stopWg.Done()
			s.watch(tenant)
		}()
	}
}

func (s *Syncer) watch(tenantID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	ch, err := s.client.Watch(ctx, tenantID)
	if err != nil {
		slog.Warn("CRM change watch unavailable", "tenant", tenantID, "error", err)
		return
	}
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.HandleChange(ev)
		}
	}
}

// Stop halts the scheduler and watches.
func (s *Syncer) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.stopWg.Wait()
}
