package entity

import "time"

// SyncCursor 每个 (DID, linkLanguageUUID) 只有一行，记录客户端确认过的同步位置
type SyncCursor struct {
	ID               uint64     `gorm:"column:id;primaryKey;autoIncrement"`
	DID              string     `gorm:"column:did;type:varchar(255);not null;uniqueIndex:uq_sync_cursor,priority:1"`
	LinkLanguageUUID string     `gorm:"column:link_language_uuid;type:varchar(255);not null;uniqueIndex:uq_sync_cursor,priority:2"`
	// NULL 表示从未同步或被重置为全量；datetime 列存不了零值时间
	Timestamp        *time.Time `gorm:"column:timestamp;type:datetime(6)"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (SyncCursor) TableName() string { return "agent_sync_states" }

// Watermark NULL 读出来是零值时间
func (c SyncCursor) Watermark() time.Time {
	if c.Timestamp == nil {
		return time.Time{}
	}
	return *c.Timestamp
}

// WatermarkColumn 零值时间写成 NULL
func WatermarkColumn(watermark time.Time) *time.Time {
	if watermark.IsZero() {
		return nil
	}
	t := watermark.UTC()
	return &t
}

// AgentStatus 客户端自己维护的状态 blob，relay 不解释内容
type AgentStatus struct {
	DID              string    `gorm:"column:did;type:varchar(255);primaryKey"`
	LinkLanguageUUID string    `gorm:"column:link_language_uuid;type:varchar(255);primaryKey"`
	Status           string    `gorm:"column:status;type:json"` // JSON 原文
	StatusTimestamp  time.Time `gorm:"column:status_timestamp;type:datetime(6);not null"`
}

func (AgentStatus) TableName() string { return "agent_statuses" }
