package service

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/repository"
)

// memState is everything a transaction can change.
type memState struct {
	rows      map[int64]model.Record
	conflicts map[int64]model.SyncConflict
	nextID    int64
}

func (s memState) clone() memState {
	return memState{rows: maps.Clone(s.rows), conflicts: maps.Clone(s.conflicts), nextID: s.nextID}
}

// memStore is an in-memory repository.Store. Transactions work on a copy and swap it
// in on commit. LockUser takes one store-wide writer lock, held until the tx ends.
type memStore struct {
	mu     sync.Mutex // guards state and the counters
	userMu sync.Mutex

	state   memState
	devices map[string]model.DeviceSync
	logs    []model.SyncLog

	beginErr  error
	commitErr error
	failOp    map[string]error // op name -> error returned by the tx
	casLosses int              // next n Update calls lose the compare-and-swap
	// commitHook runs before a commit publishes anything, with the writer lock held.
	commitHook func()

	begins, commits, rollbacks int
}

var _ repository.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		state:   memState{rows: map[int64]model.Record{}, conflicts: map[int64]model.SyncConflict{}, nextID: 1},
		devices: map[string]model.DeviceSync{},
		failOp:  map[string]error{},
	}
}

// put stores a row outside of any transaction and returns its id.
func (m *memStore) put(r model.Record) int64 {
	if r.ID == 0 {
		r.ID = m.state.nextID
	}
	if r.ID >= m.state.nextID {
		m.state.nextID = r.ID + 1
	}
	if r.Version == 0 {
		r.Version = 1
	}
	m.state.rows[r.ID] = r
	return r.ID
}

func (m *memStore) row(id int64) model.Record { return m.state.rows[id] }

func (m *memStore) openConflicts() []model.SyncConflict {
	var out []model.SyncConflict
	for _, c := range m.state.conflicts {
		if !c.IsResolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) Begin(context.Context) (repository.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begins++
	return &memTx{m: m, st: m.state.clone()}, nil
}

func devKey(userID uuid.UUID, deviceID string) string { return userID.String() + "/" + deviceID }

func (m *memStore) GetDevice(_ context.Context, userID uuid.UUID, deviceID string) (*model.DeviceSync, error) {
	d, ok := m.devices[devKey(userID, deviceID)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &d, nil
}

func (m *memStore) SaveDevice(_ context.Context, d model.DeviceSync) error {
	k := devKey(d.UserID, d.DeviceID)
	if prev, ok := m.devices[k]; ok && prev.LastSyncTime.After(d.LastSyncTime) {
		d.LastSyncTime = prev.LastSyncTime
	}
	m.devices[k] = d
	return nil
}

func (m *memStore) ResetDevice(_ context.Context, userID uuid.UUID, deviceID string, at time.Time) error {
	k := devKey(userID, deviceID)
	d := m.devices[k]
	d.UserID, d.DeviceID = userID, deviceID
	d.LastSyncTime, d.NeedsFullSync, d.UpdatedAt = time.Time{}, true, at
	m.devices[k] = d
	return nil
}

func (m *memStore) ListConflicts(_ context.Context, userID uuid.UUID, openOnly bool) ([]model.SyncConflict, error) {
	var out []model.SyncConflict
	for _, c := range m.state.conflicts {
		if c.UserID == userID && (!openOnly || !c.IsResolved) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) CountOpenConflicts(ctx context.Context, userID uuid.UUID) (int, error) {
	l, _ := m.ListConflicts(ctx, userID, true)
	return len(l), nil
}

func (m *memStore) AppendSyncLog(_ context.Context, l model.SyncLog) error {
	m.logs = append(m.logs, l)
	return nil
}

type memTx struct {
	m      *memStore
	st     memState
	done   bool
	locked bool
}

func (t *memTx) LockUser(_ context.Context, userID uuid.UUID) (time.Time, error) {
	if err := t.fail("LockUser"); err != nil {
		return time.Time{}, err
	}
	t.m.userMu.Lock()
	t.locked = true
	// like a read-committed statement, see whatever committed while we waited
	t.m.mu.Lock()
	t.st = t.m.state.clone()
	t.m.mu.Unlock()

	var last time.Time
	for _, r := range t.st.rows {
		if r.UserID == userID && r.UpdatedAt.After(last) {
			last = r.UpdatedAt
		}
	}
	return last, nil
}

func (t *memTx) release() {
	if t.locked {
		t.locked = false
		t.m.userMu.Unlock()
	}
}

func (t *memTx) fail(op string) error { return t.m.failOp[op] }

func (t *memTx) find(match func(model.Record) bool) (*model.Record, error) {
	for _, id := range slices.Sorted(maps.Keys(t.st.rows)) {
		if r := t.st.rows[id]; match(r) {
			return &r, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (t *memTx) Get(_ context.Context, userID uuid.UUID, typ model.EntityType, id int64) (*model.Record, error) {
	if err := t.fail("Get"); err != nil {
		return nil, err
	}
	return t.find(func(r model.Record) bool { return r.ID == id && r.UserID == userID && r.Type == typ })
}

func (t *memTx) GetByKey(_ context.Context, userID uuid.UUID, typ model.EntityType, key string) (*model.Record, error) {
	return t.find(func(r model.Record) bool {
		return key != "" && r.NaturalKey == key && r.UserID == userID && r.Type == typ
	})
}

func (t *memTx) GetByClientRef(_ context.Context, userID uuid.UUID, typ model.EntityType, deviceID, ref string) (*model.Record, error) {
	return t.find(func(r model.Record) bool {
		return ref != "" && r.ClientRef == ref && r.DeviceID == deviceID && r.UserID == userID && r.Type == typ
	})
}

func (t *memTx) Add(_ context.Context, r *model.Record) error {
	if err := t.fail("Add"); err != nil {
		return err
	}
	r.ID, r.Version = t.st.nextID, 1
	t.st.nextID++
	t.st.rows[r.ID] = *r
	return nil
}

func (t *memTx) Update(_ context.Context, r *model.Record, baseVer int64) error {
	if err := t.fail("Update"); err != nil {
		return err
	}
	cur, ok := t.st.rows[r.ID]
	if t.m.casLosses > 0 {
		t.m.casLosses--
		// a concurrent writer got there first
		cur.Version++
		cur.UpdatedAt = cur.UpdatedAt.Add(time.Millisecond)
		t.st.rows[r.ID] = cur
		return errs.ErrVersionConflict
	}
	if !ok || cur.Version != baseVer {
		return errs.ErrVersionConflict
	}
	r.Version, r.Deleted = baseVer+1, false
	t.st.rows[r.ID] = *r
	return nil
}

func (t *memTx) SoftDelete(_ context.Context, r *model.Record, baseVer int64) error {
	cur, ok := t.st.rows[r.ID]
	if !ok || cur.Version != baseVer {
		return errs.ErrVersionConflict
	}
	cur.Deleted, cur.Version, cur.UpdatedAt = true, baseVer+1, r.UpdatedAt
	t.st.rows[r.ID] = cur
	r.Deleted, r.Version = true, cur.Version
	return nil
}

func (t *memTx) ChangesSince(_ context.Context, userID uuid.UUID, typ model.EntityType, since time.Time) ([]model.Record, error) {
	if err := t.fail("ChangesSince"); err != nil {
		return nil, err
	}
	var out []model.Record
	for _, id := range slices.Sorted(maps.Keys(t.st.rows)) {
		r := t.st.rows[id]
		if r.UserID == userID && r.Type == typ && r.UpdatedAt.After(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (t *memTx) AllLive(_ context.Context, userID uuid.UUID, typ model.EntityType) ([]model.Record, error) {
	var out []model.Record
	for _, id := range slices.Sorted(maps.Keys(t.st.rows)) {
		r := t.st.rows[id]
		if r.UserID == userID && r.Type == typ && !r.Deleted {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) DueProgress(context.Context, time.Time, int) ([]model.Record, error) {
	return nil, errors.New("not used")
}

func (t *memTx) OpenConflict(_ context.Context, userID uuid.UUID, typ model.EntityType, entityID int64) (*model.SyncConflict, error) {
	for _, c := range t.st.conflicts {
		if c.UserID == userID && c.EntityType == typ && c.EntityID == entityID && !c.IsResolved {
			return &c, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (t *memTx) LatestConflict(ctx context.Context, userID uuid.UUID, typ model.EntityType, entityID int64) (*model.SyncConflict, error) {
	if c, err := t.OpenConflict(ctx, userID, typ, entityID); err == nil {
		return c, nil
	}
	var best *model.SyncConflict
	for _, c := range t.st.conflicts {
		if c.UserID == userID && c.EntityType == typ && c.EntityID == entityID && (best == nil || c.ID > best.ID) {
			best = &c
		}
	}
	if best == nil {
		return nil, errs.ErrNotFound
	}
	return best, nil
}

func (t *memTx) SaveConflict(_ context.Context, c *model.SyncConflict) error {
	if c.ID == 0 {
		c.ID = t.st.nextID
		t.st.nextID++
	}
	t.st.conflicts[c.ID] = *c
	return nil
}

func (t *memTx) Commit(context.Context) error {
	defer t.release()
	if t.m.commitHook != nil {
		t.m.commitHook()
	}
	if t.m.commitErr != nil {
		return t.m.commitErr
	}
	if t.done {
		return errors.New("tx closed")
	}
	t.done = true
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.m.state = t.st
	t.m.commits++
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	defer t.release()
	if !t.done {
		t.done = true
		t.m.mu.Lock()
		t.m.rollbacks++
		t.m.mu.Unlock()
	}
	return nil
}
