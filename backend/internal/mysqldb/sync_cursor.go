package mysqldb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/repo"
)

type mysqlSyncCursorRepo struct {
	db *gorm.DB
}

var _ repo.SyncCursorRepo = (*mysqlSyncCursorRepo)(nil)

func NewMySQLSyncCursorRepo(db *gorm.DB) repo.SyncCursorRepo {
	return &mysqlSyncCursorRepo{db: db}
}

func (r *mysqlSyncCursorRepo) Get(ctx context.Context, did, linkLanguageUUID string) (*entity.SyncCursor, error) {
	var cursor entity.SyncCursor
	err := r.db.WithContext(ctx).
		Where("did = ? AND link_language_uuid = ?", did, linkLanguageUUID).
		First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repo.ErrCursorNotFound
		}
		return nil, fmt.Errorf("get sync cursor: %w", err)
	}
	return &cursor, nil
}

// Upsert 先查再写：
// - 没有这一行就 Create；并发下另一个请求先插入会撞唯一索引（1062），退回 Update
// - 有就整体替换 timestamp（不做单调性校验，客户端可以回退自己的游标）
// - 零值时间存成 NULL：严格模式下 MySQL 不接受 '0000-00-00'
func (r *mysqlSyncCursorRepo) Upsert(ctx context.Context, did, linkLanguageUUID string, watermark time.Time) error {
	_, err := r.Get(ctx, did, linkLanguageUUID)
	switch {
	case errors.Is(err, repo.ErrCursorNotFound):
		createErr := r.db.WithContext(ctx).Create(&entity.SyncCursor{
			DID:              did,
			LinkLanguageUUID: linkLanguageUUID,
			Timestamp:        entity.WatermarkColumn(watermark),
		}).Error
		if createErr == nil {
			return nil
		}
		if !isDuplicateKey(createErr) {
			return fmt.Errorf("create sync cursor: %w", createErr)
		}
	case err != nil:
		return err
	}
	return r.update(ctx, did, linkLanguageUUID, watermark)
}

func (r *mysqlSyncCursorRepo) update(ctx context.Context, did, linkLanguageUUID string, watermark time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&entity.SyncCursor{}).
		Where("did = ? AND link_language_uuid = ?", did, linkLanguageUUID).
		Update("timestamp", entity.WatermarkColumn(watermark)).Error
	if err != nil {
		return fmt.Errorf("update sync cursor: %w", err)
	}
	return nil
}
