package linksync

import "time"

const EventLinksCommitted = "LINKS_COMMITTED"

// LinkCommitEvent 发往 Kafka 的提交事件
type LinkCommitEvent struct {
	EventType        string `json:"eventType"` // 固定 "LINKS_COMMITTED"
	RecordID         uint64 `json:"recordId"`
	LinkLanguageUUID string `json:"linkLanguageUUID"`
	AuthorDID        string `json:"authorDid"`
	// link 的稳定哈希，和所在记录无关，下游可以直接当外部键
	AdditionHashes        []int32   `json:"additionHashes"`
	RemovalHashes         []int32   `json:"removalHashes"`
	ServerRecordTimestamp time.Time `json:"serverRecordTimestamp"`
}
