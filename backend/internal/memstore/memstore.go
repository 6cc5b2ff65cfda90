// Package memstore 进程内存版的存储实现：本地开发不配 MySQL 时使用，也供测试注入。
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/repo"
)

type CommitLog struct {
	mu     sync.RWMutex
	nextID uint64
	// linkLanguageUUID -> 按写入顺序排列的记录
	records map[string][]entity.DiffRecord
}

var _ repo.CommitLog = (*CommitLog)(nil)

func NewCommitLog() *CommitLog {
	return &CommitLog{records: make(map[string][]entity.DiffRecord)}
}

func (s *CommitLog) Append(ctx context.Context, rec *entity.DiffRecord) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	stored := *rec
	stored.Additions = append(entity.LinkList{}, rec.Additions...)
	stored.Removals = append(entity.LinkList{}, rec.Removals...)
	s.records[rec.LinkLanguageUUID] = append(s.records[rec.LinkLanguageUUID], stored)
	return rec.ID, nil
}

func (s *CommitLog) FindSince(ctx context.Context, linkLanguageUUID string, watermark time.Time, inclusive bool) ([]entity.DiffRecord, error) {
	return s.find(ctx, linkLanguageUUID, func(r entity.DiffRecord) bool {
		if inclusive {
			return !r.ServerRecordTimestamp.Before(watermark)
		}
		return r.ServerRecordTimestamp.After(watermark)
	})
}

func (s *CommitLog) FindAll(ctx context.Context, linkLanguageUUID string) ([]entity.DiffRecord, error) {
	return s.find(ctx, linkLanguageUUID, func(entity.DiffRecord) bool { return true })
}

func (s *CommitLog) Latest(ctx context.Context, linkLanguageUUID string) (time.Time, bool, error) {
	records, err := s.FindAll(ctx, linkLanguageUUID)
	if err != nil || len(records) == 0 {
		return time.Time{}, false, err
	}
	return records[0].ServerRecordTimestamp, true, nil
}

func (s *CommitLog) find(ctx context.Context, linkLanguageUUID string, keep func(entity.DiffRecord) bool) ([]entity.DiffRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]entity.DiffRecord, 0)
	for _, r := range s.records[linkLanguageUUID] {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ServerRecordTimestamp.Equal(b.ServerRecordTimestamp) {
			return a.ServerRecordTimestamp.After(b.ServerRecordTimestamp)
		}
		return a.ID > b.ID
	})
	return out, nil
}

type cursorKey struct {
	did              string
	linkLanguageUUID string
}

type SyncCursorRepo struct {
	mu      sync.RWMutex
	nextID  uint64
	cursors map[cursorKey]entity.SyncCursor
}

var _ repo.SyncCursorRepo = (*SyncCursorRepo)(nil)

func NewSyncCursorRepo() *SyncCursorRepo {
	return &SyncCursorRepo{cursors: make(map[cursorKey]entity.SyncCursor)}
}

func (s *SyncCursorRepo) Get(ctx context.Context, did, linkLanguageUUID string) (*entity.SyncCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[cursorKey{did, linkLanguageUUID}]
	if !ok {
		return nil, repo.ErrCursorNotFound
	}
	return &c, nil
}

func (s *SyncCursorRepo) Upsert(ctx context.Context, did, linkLanguageUUID string, watermark time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey{did, linkLanguageUUID}
	c, ok := s.cursors[key]
	if !ok {
		s.nextID++
		c = entity.SyncCursor{ID: s.nextID, DID: did, LinkLanguageUUID: linkLanguageUUID}
	}
	c.Timestamp = entity.WatermarkColumn(watermark)
	c.UpdatedAt = time.Now()
	s.cursors[key] = c
	return nil
}

type AgentStatusRepo struct {
	mu       sync.RWMutex
	statuses map[cursorKey]entity.AgentStatus
}

var _ repo.AgentStatusRepo = (*AgentStatusRepo)(nil)

func NewAgentStatusRepo() *AgentStatusRepo {
	return &AgentStatusRepo{statuses: make(map[cursorKey]entity.AgentStatus)}
}

func (s *AgentStatusRepo) GetStatus(ctx context.Context, did, linkLanguageUUID string) (*entity.AgentStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[cursorKey{did, linkLanguageUUID}]
	if !ok {
		return nil, repo.ErrStatusNotFound
	}
	return &st, nil
}

func (s *AgentStatusRepo) UpsertStatus(ctx context.Context, did, linkLanguageUUID string, status json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := "null"
	if len(status) > 0 {
		text = string(status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[cursorKey{did, linkLanguageUUID}] = entity.AgentStatus{
		DID:              did,
		LinkLanguageUUID: linkLanguageUUID,
		Status:           text,
		StatusTimestamp:  time.Now().UTC(),
	}
	return nil
}
