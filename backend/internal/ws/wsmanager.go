package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"link-relay/backend/internal/link"
	"link-relay/backend/internal/linksync"
	"link-relay/backend/internal/metrics"
	"link-relay/backend/internal/presence"
)

// 本地开发环境的默认来源
var defaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// SyncEngine 连接处理用到的同步引擎能力
type SyncEngine interface {
	Commit(ctx context.Context, linkLanguageUUID, did string, additions, removals []link.Link) (linksync.Result, error)
	Sync(ctx context.Context, linkLanguageUUID, did string, explicit *time.Time) (linksync.Result, error)
	Render(ctx context.Context, linkLanguageUUID string) (linksync.Result, error)
	UpdateSyncState(ctx context.Context, did, linkLanguageUUID string, watermark time.Time) error
}

// Signaler 定向/广播信令
type Signaler interface {
	SendDirect(linkLanguageUUID, targetDID string, payload json.RawMessage) error
	SendBroadcast(linkLanguageUUID string, payload json.RawMessage, excludeConnectionID string) int
}

type ManagerOptions struct {
	SendBuffer     int
	AcquireTimeout time.Duration
	// 允许的 Origin 前缀；"*" 放行全部
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *metrics.Collector
}

// Manager 连接生命周期：升级、presence 注册/注销、读写循环
type Manager struct {
	hub      *Hub
	registry *presence.Registry
	engine   SyncEngine
	signaler Signaler
	sem      *linksync.SemaphoreControl

	upgrader       websocket.Upgrader
	validate       *validator.Validate
	sendBuffer     int
	acquireTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Collector
}

func NewManager(hub *Hub, registry *presence.Registry, engine SyncEngine, signaler Signaler, sem *linksync.SemaphoreControl, opt ManagerOptions) *Manager {
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = 256
	}
	if opt.AcquireTimeout <= 0 {
		opt.AcquireTimeout = 2 * time.Second
	}
	if len(opt.AllowedOrigins) == 0 {
		opt.AllowedOrigins = defaultAllowedOrigins
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if sem == nil {
		sem = linksync.NewSemaphoreControl(linksync.DefaultMaxSemaphore)
	}
	return &Manager{
		hub:            hub,
		registry:       registry,
		engine:         engine,
		signaler:       signaler,
		sem:            sem,
		upgrader:       websocket.Upgrader{CheckOrigin: checkOrigin(opt.AllowedOrigins)},
		validate:       newValidator(),
		sendBuffer:     opt.SendBuffer,
		acquireTimeout: opt.AcquireTimeout,
		logger:         opt.Logger.With(zap.String("component", "ws")),
		metrics:        opt.Metrics,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

// WebSocketConnect GET /ws?did=…&linkLanguageUUID=…
// did 和 linkLanguageUUID 都带上时才登记 presence；断开（任何原因）时用同一组参数注销。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	did := c.Query("did")
	linkLanguageUUID := c.Query("linkLanguageUUID")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade error", zap.Error(err), zap.String("origin", c.Request.Header.Get("Origin")))
		return
	}
	defer conn.Close()

	wsConn := newConn(conn, m, uuid.NewString(), did, linkLanguageUUID)
	m.hub.register(wsConn)
	tracked := did != "" && linkLanguageUUID != ""
	if tracked {
		m.registry.Register(linkLanguageUUID, did, wsConn.id)
	}
	m.refreshGauges()
	wsConn.logger.Info("connected", zap.Bool("presence", tracked))

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.reply(ServerMessage{Event: EventWelcome, Data: WelcomeMessage{
		ConnectionID:     wsConn.id,
		DID:              did,
		LinkLanguageUUID: linkLanguageUUID,
	}})

	// 阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())

	// 先摘 presence，再关发送队列：之后的推送直接失败，不会写到已关闭的 channel
	if tracked {
		m.registry.Unregister(linkLanguageUUID, did, wsConn.id)
	}
	m.hub.unregister(wsConn)
	wsConn.close()
	<-wsConn.done
	m.refreshGauges()
	wsConn.logger.Info("disconnected")
}

func (m *Manager) refreshGauges() {
	m.metrics.SetConnections(m.hub.Count())
	_, entries := m.registry.Count()
	m.metrics.SetPresence(entries)
}
