package entity

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"link-relay/backend/internal/link"
)

// DiffRecord 提交日志里的一条记录，写入后不再修改也不删除
type DiffRecord struct {
	ID                    uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	LinkLanguageUUID      string    `gorm:"column:link_language_uuid;type:varchar(255);not null;index:idx_diffs_ns_ts,priority:1"`
	DID                   string    `gorm:"column:did;type:varchar(255);not null"`
	Additions             LinkList  `gorm:"column:additions;type:json;not null"`
	Removals              LinkList  `gorm:"column:removals;type:json;not null"`
	ServerRecordTimestamp time.Time `gorm:"column:server_record_timestamp;type:datetime(6);not null;index:idx_diffs_ns_ts,priority:2"`
}

func (DiffRecord) TableName() string { return "diffs" }

// LinkList 以 JSON 列存储的 link 数组
type LinkList []link.Link

func (l LinkList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]link.Link(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *LinkList) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*l = LinkList{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("link list: unsupported column type")
	}
	var out []link.Link
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	if out == nil {
		out = []link.Link{}
	}
	*l = out
	return nil
}
