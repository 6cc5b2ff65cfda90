package mysqldb

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/repo"
)

type mysqlCommitLog struct {
	db *gorm.DB
}

var _ repo.CommitLog = (*mysqlCommitLog)(nil)

func NewMySQLCommitLog(db *gorm.DB) repo.CommitLog {
	return &mysqlCommitLog{db: db}
}

const newestFirst = "server_record_timestamp DESC, id DESC"

func (r *mysqlCommitLog) Append(ctx context.Context, rec *entity.DiffRecord) (uint64, error) {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, fmt.Errorf("append diff: %w", err)
	}
	return rec.ID, nil
}

func (r *mysqlCommitLog) FindSince(ctx context.Context, linkLanguageUUID string, watermark time.Time, inclusive bool) ([]entity.DiffRecord, error) {
	op := ">"
	if inclusive {
		op = ">="
	}
	var records []entity.DiffRecord
	err := r.db.WithContext(ctx).
		Where("link_language_uuid = ? AND server_record_timestamp "+op+" ?", linkLanguageUUID, watermark.UTC()).
		Order(newestFirst).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find diffs since %s: %w", watermark.Format(time.RFC3339Nano), err)
	}
	return records, nil
}

func (r *mysqlCommitLog) FindAll(ctx context.Context, linkLanguageUUID string) ([]entity.DiffRecord, error) {
	var records []entity.DiffRecord
	err := r.db.WithContext(ctx).
		Where("link_language_uuid = ?", linkLanguageUUID).
		Order(newestFirst).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("find diffs: %w", err)
	}
	return records, nil
}

func (r *mysqlCommitLog) Latest(ctx context.Context, linkLanguageUUID string) (time.Time, bool, error) {
	var records []entity.DiffRecord
	err := r.db.WithContext(ctx).
		Select("id", "server_record_timestamp").
		Where("link_language_uuid = ?", linkLanguageUUID).
		Order(newestFirst).
		Limit(1).
		Find(&records).Error
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest diff: %w", err)
	}
	if len(records) == 0 {
		return time.Time{}, false, nil
	}
	return records[0].ServerRecordTimestamp, true, nil
}
