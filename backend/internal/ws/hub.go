package ws

import (
	"sync"
)

// Hub 进程内的连接表 + 房间。
// 房间是独立于 presence 的临时分组：join-room/leave-room/broadcast 只走这里。
type Hub struct {
	// 读写锁，保护 conns/rooms 两个 map；加入/离开房间、广播时都会先加锁
	mu sync.RWMutex
	// connectionID -> conn
	conns map[string]*Conn
	// roomID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[*Conn]struct{}),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

// unregister 移除连接并退出它加入的所有房间
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	for roomID := range c.rooms {
		h.leaveLocked(roomID, c)
	}
}

// Join 将连接加入指定房间
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		// 房间里存连接而不是 DID：同一个 agent 可能开多个连接，要逐连接发
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	c.rooms[roomID] = struct{}{}
}

// Leave 将连接从指定房间移除
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(roomID, c)
}

func (h *Hub) leaveLocked(roomID string, c *Conn) {
	delete(c.rooms, roomID)
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Push 实现 relay.Pusher：按连接 ID 非阻塞投递
func (h *Hub) Push(connectionID, event string, data any) bool {
	h.mu.RLock()
	c := h.conns[connectionID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.SendMessage_Enqueue(ServerMessage{Event: event, Data: data})
}

// BroadcastRoom 推给房间内所有连接，返回成功入队的数量
func (h *Hub) BroadcastRoom(roomID, event string, data any) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	msg := ServerMessage{Event: event, Data: data}
	n := 0
	for _, c := range conns {
		if c.SendMessage_Enqueue(msg) {
			n++
		}
	}
	return n
}

// Count 当前连接数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize 房间内连接数
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
