package mysqldb

import (
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"link-relay/backend/internal/entity"
)

// InitMySQL 打开连接并建表（diffs / agent_sync_states / agent_statuses）
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// 时间统一按 UTC 落库，datetime(6) 保留微秒
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&entity.DiffRecord{}, &entity.SyncCursor{}, &entity.AgentStatus{}); err != nil {
		return nil, err
	}
	return db, nil
}

// 1062 = duplicate key
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
