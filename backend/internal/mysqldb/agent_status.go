package mysqldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/repo"
)

type mysqlAgentStatusRepo struct {
	db *gorm.DB
}

var _ repo.AgentStatusRepo = (*mysqlAgentStatusRepo)(nil)

func NewMySQLAgentStatusRepo(db *gorm.DB) repo.AgentStatusRepo {
	return &mysqlAgentStatusRepo{db: db}
}

func (r *mysqlAgentStatusRepo) GetStatus(ctx context.Context, did, linkLanguageUUID string) (*entity.AgentStatus, error) {
	var status entity.AgentStatus
	err := r.db.WithContext(ctx).
		Where("did = ? AND link_language_uuid = ?", did, linkLanguageUUID).
		First(&status).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repo.ErrStatusNotFound
		}
		return nil, fmt.Errorf("get agent status: %w", err)
	}
	return &status, nil
}

func (r *mysqlAgentStatusRepo) UpsertStatus(ctx context.Context, did, linkLanguageUUID string, status json.RawMessage) error {
	row := entity.AgentStatus{
		DID:              did,
		LinkLanguageUUID: linkLanguageUUID,
		Status:           statusText(status),
		StatusTimestamp:  time.Now().UTC(),
	}
	db := r.db.WithContext(ctx)
	_, err := r.GetStatus(ctx, did, linkLanguageUUID)
	switch {
	case errors.Is(err, repo.ErrStatusNotFound):
		createErr := db.Create(&row).Error
		if createErr == nil {
			return nil
		}
		if !isDuplicateKey(createErr) {
			return fmt.Errorf("create agent status: %w", createErr)
		}
	case err != nil:
		return err
	}
	err = db.Model(&entity.AgentStatus{}).
		Where("did = ? AND link_language_uuid = ?", did, linkLanguageUUID).
		Updates(map[string]any{"status": row.Status, "status_timestamp": row.StatusTimestamp}).Error
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return nil
}

// json 列不接受空串
func statusText(status json.RawMessage) string {
	if len(status) == 0 {
		return "null"
	}
	return string(status)
}
