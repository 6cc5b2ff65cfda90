package ws

import (
	"bytes"
	"encoding/json"
	"time"

	"link-relay/backend/internal/link"
)

// 入站事件
const (
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventBroadcast       = "broadcast"
	EventCommit          = "commit"
	EventSync            = "sync"
	EventRender          = "render"
	EventUpdateSyncState = "update-sync-state"
	EventSendSignal      = "send-signal"
	EventSendBroadcast   = "send-broadcast"
)

// 出站事件（signal-emit / telepresence-signal 在 relay 包里）
const (
	EventAck     = "ack"
	EventError   = "error"
	EventWelcome = "welcome"
	EventSignal  = "signal"
)

const StatusOk = "Ok"

// ClientMessage 客户端 -> 服务端：{"event", "id"?, "data"}。
// 带 id 的请求会收到且只收到一条同 id 的 ack。
type ClientMessage struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

func (m ClientMessage) wantsAck() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && string(id) != "null"
}

// ServerMessage 服务端 -> 客户端：ack 带 id，推送不带
type ServerMessage struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// RoomRequest join-room / leave-room。兼容直接传字符串 roomId
type RoomRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

func (r *RoomRequest) UnmarshalJSON(b []byte) error {
	raw := bytes.TrimSpace(b)
	if len(raw) > 0 && raw[0] == '"' {
		return json.Unmarshal(raw, &r.RoomID)
	}
	type plain RoomRequest
	return json.Unmarshal(raw, (*plain)(r))
}

type BroadcastRequest struct {
	RoomID string          `json:"roomId" validate:"required"`
	Signal json.RawMessage `json:"signal"`
}

type CommitRequest struct {
	Additions        []link.Link `json:"additions" validate:"dive"`
	Removals         []link.Link `json:"removals" validate:"dive"`
	LinkLanguageUUID string      `json:"linkLanguageUUID" validate:"required"`
	DID              string      `json:"did" validate:"required"`
}

// SyncRequest timestamp 不传 / null / 0 时用游标
type SyncRequest struct {
	LinkLanguageUUID string       `json:"linkLanguageUUID" validate:"required"`
	DID              string       `json:"did"`
	Timestamp        link.Instant `json:"timestamp"`
}

type RenderRequest struct {
	LinkLanguageUUID string `json:"linkLanguageUUID" validate:"required"`
}

// UpdateSyncStateRequest date 必须出现；传 0 表示把游标重置到最开始
type UpdateSyncStateRequest struct {
	DID              string        `json:"did" validate:"required"`
	LinkLanguageUUID string        `json:"linkLanguageUUID" validate:"required"`
	Date             *link.Instant `json:"date" validate:"required"`
}

type SendSignalRequest struct {
	RemoteAgentDid   string          `json:"remoteAgentDid" validate:"required"`
	LinkLanguageUUID string          `json:"linkLanguageUUID" validate:"required"`
	Payload          json.RawMessage `json:"payload"`
}

type SendBroadcastRequest struct {
	LinkLanguageUUID string          `json:"linkLanguageUUID" validate:"required"`
	Payload          json.RawMessage `json:"payload"`
	IncludeSelf      bool            `json:"includeSelf"`
}

type StatusReply struct {
	Status string `json:"status"`
}

// DiffReply commit / sync / render 的 ack
type DiffReply struct {
	Status                string    `json:"status"`
	Payload               link.Diff `json:"payload"`
	ServerRecordTimestamp time.Time `json:"serverRecordTimestamp"`
}

type WelcomeMessage struct {
	ConnectionID     string `json:"connectionId"`
	DID              string `json:"did,omitempty"`
	LinkLanguageUUID string `json:"linkLanguageUUID,omitempty"`
}

func okReply() StatusReply { return StatusReply{Status: StatusOk} }
