package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/link"
	"link-relay/backend/internal/metrics"
	"link-relay/backend/internal/presence"
)

const (
	EventSignalEmit         = "signal-emit"
	EventTelepresenceSignal = "telepresence-signal"
)

var ErrRemoteAgentNotFound = errors.New("Remote agent not found")

// Pusher 把一条事件投递到某个连接。非阻塞，队列满或连接不存在返回 false。
type Pusher interface {
	Push(connectionID, event string, data any) bool
}

// SignalEmit 推给其他在线 agent 的提交内容
type SignalEmit struct {
	Payload               link.Diff `json:"payload"`
	ServerRecordTimestamp time.Time `json:"serverRecordTimestamp"`
}

// Relay 实时扇出：提交推送、定向信令、命名空间广播。
// 寻址只看 presence，和房间无关。
type Relay struct {
	registry *presence.Registry
	pusher   Pusher
	logger   *zap.Logger
	metrics  *metrics.Collector
}

func New(registry *presence.Registry, pusher Pusher, logger *zap.Logger, m *metrics.Collector) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{registry: registry, pusher: pusher, logger: logger.With(zap.String("component", "relay")), metrics: m}
}

// OnCommit 推给命名空间内除提交者之外的所有连接（同一 DID 的其他连接也不推）
func (r *Relay) OnCommit(_ context.Context, rec entity.DiffRecord) {
	msg := SignalEmit{
		Payload: link.Diff{
			Additions: nonNil(rec.Additions),
			Removals:  nonNil(rec.Removals),
		},
		ServerRecordTimestamp: rec.ServerRecordTimestamp,
	}
	targets := r.registry.ListOthers(rec.LinkLanguageUUID, rec.DID)
	dropped := r.pushAll(targets, EventSignalEmit, msg)
	if dropped > 0 {
		r.logger.Warn("signal-emit dropped for some connections",
			zap.String("linkLanguageUUID", rec.LinkLanguageUUID),
			zap.Uint64("recordId", rec.ID),
			zap.Int("dropped", dropped),
			zap.Int("targets", len(targets)))
	}
}

// SendDirect 定向信令；目标不在线返回 ErrRemoteAgentNotFound，不产生任何推送
func (r *Relay) SendDirect(linkLanguageUUID, targetDID string, payload json.RawMessage) error {
	connectionID, ok := r.registry.FindByDID(linkLanguageUUID, targetDID)
	if !ok {
		return ErrRemoteAgentNotFound
	}
	delivered := r.pusher.Push(connectionID, EventTelepresenceSignal, rawOrNull(payload))
	r.metrics.Push(EventTelepresenceSignal, delivered)
	if !delivered {
		r.logger.Debug("telepresence-signal dropped",
			zap.String("linkLanguageUUID", linkLanguageUUID),
			zap.String("connectionId", connectionID))
	}
	return nil
}

// SendBroadcast 推给命名空间内所有已注册的连接；excludeConnectionID 非空时跳过该连接。
// 返回成功入队的连接数。
func (r *Relay) SendBroadcast(linkLanguageUUID string, payload json.RawMessage, excludeConnectionID string) int {
	all := r.registry.ListOthers(linkLanguageUUID, "")
	targets := all[:0]
	for _, e := range all {
		if excludeConnectionID != "" && e.ConnectionID == excludeConnectionID {
			continue
		}
		targets = append(targets, e)
	}
	dropped := r.pushAll(targets, EventTelepresenceSignal, rawOrNull(payload))
	return len(targets) - dropped
}

// pushAll 逐个连接非阻塞投递，一个连接慢/断开不影响其他连接
func (r *Relay) pushAll(targets []presence.Entry, event string, data any) (dropped int) {
	for _, e := range targets {
		delivered := r.pusher.Push(e.ConnectionID, event, data)
		r.metrics.Push(event, delivered)
		if !delivered {
			dropped++
		}
	}
	return dropped
}

func nonNil(l entity.LinkList) []link.Link {
	if l == nil {
		return []link.Link{}
	}
	return l
}

func rawOrNull(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	return payload
}
