package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"link-relay/backend/internal/entity"
)

var (
	ErrCursorNotFound = errors.New("sync cursor not found")
	ErrStatusNotFound = errors.New("agent status not found")
)

// CommitLog 只追加的提交日志。查询结果一律按 server_record_timestamp 降序、id 降序。
type CommitLog interface {
	Append(ctx context.Context, rec *entity.DiffRecord) (uint64, error)
	// inclusive=false 时严格大于 watermark
	FindSince(ctx context.Context, linkLanguageUUID string, watermark time.Time, inclusive bool) ([]entity.DiffRecord, error)
	FindAll(ctx context.Context, linkLanguageUUID string) ([]entity.DiffRecord, error)
	// Latest 返回该命名空间最新一条记录的时间；没有记录时 ok=false
	Latest(ctx context.Context, linkLanguageUUID string) (ts time.Time, ok bool, err error)
}

// SyncCursorRepo 按 (DID, linkLanguageUUID) 唯一的同步游标
type SyncCursorRepo interface {
	Get(ctx context.Context, did, linkLanguageUUID string) (*entity.SyncCursor, error)
	// Upsert 整体替换 watermark，不存在则创建
	Upsert(ctx context.Context, did, linkLanguageUUID string, watermark time.Time) error
}

type AgentStatusRepo interface {
	GetStatus(ctx context.Context, did, linkLanguageUUID string) (*entity.AgentStatus, error)
	UpsertStatus(ctx context.Context, did, linkLanguageUUID string, status json.RawMessage) error
}
