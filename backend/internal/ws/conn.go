package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"link-relay/backend/internal/linksync"
	"link-relay/backend/internal/relay"
)

const (
	// 写一条消息的超时
	writeWait = 10 * time.Second
	// 等待对端 pong 的时间
	pongWait = 60 * time.Second
	// ping 周期，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
	// 单条入站消息上限，commit 可能携带很多 link
	maxMessageSize = 4 << 20
)

type Conn struct {
	ws  *websocket.Conn
	hub *Hub
	m   *Manager

	id               string
	did              string
	linkLanguageUUID string

	// 已加入的房间，由 hub.mu 保护
	rooms map[string]struct{}

	// 出站队列，writeLoop 唯一消费者
	send chan ServerMessage
	// 保护 send 的关闭：推送方在读锁内投递，关闭在写锁内
	mu     sync.RWMutex
	closed bool
	// writeLoop 退出后关闭
	done chan struct{}

	logger *zap.Logger
}

func newConn(ws *websocket.Conn, m *Manager, id, did, linkLanguageUUID string) *Conn {
	return &Conn{
		ws:               ws,
		hub:              m.hub,
		m:                m,
		id:               id,
		did:              did,
		linkLanguageUUID: linkLanguageUUID,
		rooms:            make(map[string]struct{}),
		send:             make(chan ServerMessage, m.sendBuffer),
		done:             make(chan struct{}),
		logger: m.logger.With(
			zap.String("connectionId", id),
			zap.String("did", did),
			zap.String("linkLanguageUUID", linkLanguageUUID),
		),
	}
}

func (c *Conn) ID() string { return c.id }

// SendMessage_Enqueue 非阻塞投递，队列满或连接已关闭时丢弃并返回 false
func (c *Conn) SendMessage_Enqueue(msg ServerMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		// 如果队列满了，则丢弃消息
		return false
	}
}

// reply 只在读循环里调用：ack 不能丢，队列满时等 writeLoop 腾出位置
func (c *Conn) reply(msg ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		// 任何入站消息都算活跃
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(ServerMessage{Event: EventError, Error: fmt.Sprintf("%v: malformed message", ErrBadRequest)})
			continue
		}
		c.handle(ctx, msg)
	}
}

// handle 一个请求只产生一个结果，带 id 的请求恰好一条 ack
func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	start := time.Now()
	data, err := c.dispatch(ctx, msg)
	c.m.metrics.ObserveEvent(eventLabel(msg.Event), resultLabel(err), time.Since(start))
	if err != nil {
		c.logError(msg.Event, err)
	}

	switch {
	case msg.wantsAck() && err != nil:
		c.reply(ServerMessage{Event: EventAck, ID: msg.ID, Error: err.Error()})
	case msg.wantsAck():
		c.reply(ServerMessage{Event: EventAck, ID: msg.ID, Data: data})
	case err != nil:
		c.reply(ServerMessage{Event: EventError, Error: err.Error()})
	}
}

func (c *Conn) dispatch(ctx context.Context, msg ClientMessage) (any, error) {
	switch msg.Event {
	case EventJoinRoom:
		var req RoomRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		c.hub.Join(req.RoomID, c)
		return okReply(), nil

	case EventLeaveRoom:
		var req RoomRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		c.hub.Leave(req.RoomID, c)
		return okReply(), nil

	case EventBroadcast:
		var req BroadcastRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		c.hub.BroadcastRoom(req.RoomID, EventSignal, rawOrNull(req.Signal))
		return okReply(), nil

	case EventCommit:
		var req CommitRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		return c.handleCommit(ctx, req)

	case EventSync:
		var req SyncRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		var res linksync.Result
		err := c.withStore(ctx, func(ctx context.Context) (err error) {
			res, err = c.m.engine.Sync(ctx, req.LinkLanguageUUID, req.DID, req.Timestamp.Ptr())
			return err
		})
		if err != nil {
			return nil, err
		}
		return diffReply(res), nil

	case EventRender:
		var req RenderRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		var res linksync.Result
		err := c.withStore(ctx, func(ctx context.Context) (err error) {
			res, err = c.m.engine.Render(ctx, req.LinkLanguageUUID)
			return err
		})
		if err != nil {
			return nil, err
		}
		return diffReply(res), nil

	case EventUpdateSyncState:
		var req UpdateSyncStateRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		err := c.withStore(ctx, func(ctx context.Context) error {
			return c.m.engine.UpdateSyncState(ctx, req.DID, req.LinkLanguageUUID, req.Date.Time)
		})
		if err != nil {
			return nil, err
		}
		return okReply(), nil

	case EventSendSignal:
		var req SendSignalRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		if err := c.m.signaler.SendDirect(req.LinkLanguageUUID, req.RemoteAgentDid, req.Payload); err != nil {
			return nil, err
		}
		return okReply(), nil

	case EventSendBroadcast:
		var req SendBroadcastRequest
		if err := decode(c.m.validate, msg.Data, &req); err != nil {
			return nil, err
		}
		exclude := c.id
		if req.IncludeSelf {
			exclude = ""
		}
		c.m.signaler.SendBroadcast(req.LinkLanguageUUID, req.Payload, exclude)
		return okReply(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

func (c *Conn) handleCommit(ctx context.Context, req CommitRequest) (any, error) {
	var res linksync.Result
	err := c.withStore(ctx, func(ctx context.Context) (err error) {
		res, err = c.m.engine.Commit(ctx, req.LinkLanguageUUID, req.DID, req.Additions, req.Removals)
		return err
	})
	c.m.metrics.Commit(err == nil)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("commit recorded",
		zap.String("namespace", req.LinkLanguageUUID),
		zap.Int("additions", len(res.Additions)),
		zap.Int("removals", len(res.Removals)),
		zap.Time("serverRecordTimestamp", res.ServerRecordTimestamp))
	return diffReply(res), nil
}

// withStore 存储调用：
// - 与连接的 ctx 解绑，客户端断开不会取消已经发出的写
// - 信号量限制并发，只有拿信号量这一步有超时
func (c *Conn) withStore(ctx context.Context, fn func(ctx context.Context) error) error {
	storeCtx := context.WithoutCancel(ctx)
	acquireCtx, cancel := context.WithTimeout(storeCtx, c.m.acquireTimeout)
	defer cancel()

	if err := c.m.sem.Acquire(acquireCtx); err != nil {
		return err
	}
	defer c.m.sem.Release()
	return fn(storeCtx)
}

func (c *Conn) logError(event string, err error) {
	switch {
	case errors.Is(err, relay.ErrRemoteAgentNotFound),
		errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrUnknownEvent),
		errors.Is(err, linksync.ErrMissingNamespace),
		errors.Is(err, linksync.ErrMissingDID):
		c.logger.Debug("request rejected", zap.String("event", event), zap.Error(err))
	default:
		c.logger.Error("request failed", zap.String("event", event), zap.Error(err))
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// send 已关闭：连接正在注销
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func diffReply(res linksync.Result) DiffReply {
	return DiffReply{Status: StatusOk, Payload: res.Diff, ServerRecordTimestamp: res.ServerRecordTimestamp}
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

var knownEvents = map[string]struct{}{
	EventJoinRoom: {}, EventLeaveRoom: {}, EventBroadcast: {}, EventCommit: {}, EventSync: {},
	EventRender: {}, EventUpdateSyncState: {}, EventSendSignal: {}, EventSendBroadcast: {},
}

// 未知事件名统一记成 unknown，避免指标标签无限增长
func eventLabel(event string) string {
	if _, ok := knownEvents[event]; ok {
		return event
	}
	return "unknown"
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
