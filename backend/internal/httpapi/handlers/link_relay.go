package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"link-relay/backend/internal/repo"
)

// RevisionReader 查询客户端的同步游标
type RevisionReader interface {
	CurrentRevision(ctx context.Context, did, linkLanguageUUID string) (time.Time, bool, error)
}

// PresenceLister 列出命名空间内的在线 DID
type PresenceLister interface {
	OnlineDIDs(linkLanguageUUID, excludeDID string) []string
}

type LinkRelayHandler struct {
	revisions RevisionReader
	presence  PresenceLister
	statuses  repo.AgentStatusRepo
	logger    *zap.Logger
}

func NewLinkRelayHandler(revisions RevisionReader, presence PresenceLister, statuses repo.AgentStatusRepo, logger *zap.Logger) *LinkRelayHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkRelayHandler{
		revisions: revisions,
		presence:  presence,
		statuses:  statuses,
		logger:    logger.With(zap.String("component", "http")),
	}
}

type agentRequest struct {
	DID              string `json:"did" binding:"required"`
	LinkLanguageUUID string `json:"linkLanguageUUID" binding:"required"`
}

type statusRequest struct {
	DID              string          `json:"did" binding:"required"`
	LinkLanguageUUID string          `json:"linkLanguageUUID" binding:"required"`
	Status           json.RawMessage `json:"status"`
}

type OnlineAgent struct {
	DID    string          `json:"did"`
	Status json.RawMessage `json:"status"`
}

// Register 挂载所有旁路接口
func (h *LinkRelayHandler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz())
	r.POST("/currentRevision", h.CurrentRevision())
	r.POST("/onlineAgents", h.OnlineAgents())
	r.POST("/agentStatus", h.SetAgentStatus())
	r.GET("/agentStatus", h.GetAgentStatus())
}

func (h *LinkRelayHandler) Healthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "Ok"})
	}
}

// CurrentRevision 从未同步过（或游标被重置为零值）时返回 null
func (h *LinkRelayHandler) CurrentRevision() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req agentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ts, ok, err := h.revisions.CurrentRevision(c.Request.Context(), req.DID, req.LinkLanguageUUID)
		if err != nil {
			h.logger.Error("current revision failed", zap.String("did", req.DID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok || ts.IsZero() {
			c.JSON(http.StatusOK, gin.H{"currentRevision": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"currentRevision": ts.UTC().Format(time.RFC3339Nano)})
	}
}

// OnlineAgents 不含请求方自己，同一 DID 多个连接只出现一次
func (h *LinkRelayHandler) OnlineAgents() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req agentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		dids := h.presence.OnlineDIDs(req.LinkLanguageUUID, req.DID)
		agents := make([]OnlineAgent, 0, len(dids))
		for _, did := range dids {
			agents = append(agents, OnlineAgent{DID: did, Status: h.lookupStatus(c.Request.Context(), did, req.LinkLanguageUUID)})
		}
		c.JSON(http.StatusOK, gin.H{"onlineAgents": agents})
	}
}

// 状态读不到不影响在线列表，降级为 null
func (h *LinkRelayHandler) lookupStatus(ctx context.Context, did, linkLanguageUUID string) json.RawMessage {
	null := json.RawMessage("null")
	if h.statuses == nil {
		return null
	}
	st, err := h.statuses.GetStatus(ctx, did, linkLanguageUUID)
	if err != nil {
		if !errors.Is(err, repo.ErrStatusNotFound) {
			h.logger.Warn("load agent status failed", zap.String("did", did), zap.Error(err))
		}
		return null
	}
	if st.Status == "" {
		return null
	}
	return json.RawMessage(st.Status)
}

func (h *LinkRelayHandler) SetAgentStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(req.Status) == 0 {
			req.Status = json.RawMessage("null")
		}

		if err := h.statuses.UpsertStatus(c.Request.Context(), req.DID, req.LinkLanguageUUID, req.Status); err != nil {
			h.logger.Error("upsert agent status failed", zap.String("did", req.DID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "Ok"})
	}
}

func (h *LinkRelayHandler) GetAgentStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		did := c.Query("did")
		linkLanguageUUID := c.Query("linkLanguageUUID")
		if did == "" || linkLanguageUUID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing did or linkLanguageUUID"})
			return
		}

		st, err := h.statuses.GetStatus(c.Request.Context(), did, linkLanguageUUID)
		if errors.Is(err, repo.ErrStatusNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		status := json.RawMessage(st.Status)
		if len(status) == 0 {
			status = json.RawMessage("null")
		}
		c.JSON(http.StatusOK, gin.H{
			"did":              st.DID,
			"linkLanguageUUID": st.LinkLanguageUUID,
			"status":           status,
			"statusTimestamp":  st.StatusTimestamp.UTC().Format(time.RFC3339Nano),
		})
	}
}
