package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/link"
	"link-relay/backend/internal/presence"
)

type pushed struct {
	connectionID string
	event        string
	data         any
}

type fakePusher struct {
	mu   sync.Mutex
	out  []pushed
	full map[string]bool // 模拟发送队列已满的连接
}

func (p *fakePusher) Push(connectionID, event string, data any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full[connectionID] {
		return false
	}
	p.out = append(p.out, pushed{connectionID: connectionID, event: event, data: data})
	return true
}

func (p *fakePusher) to(connectionID string) []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []pushed
	for _, m := range p.out {
		if m.connectionID == connectionID {
			res = append(res, m)
		}
	}
	return res
}

func newTestRelay() (*Relay, *presence.Registry, *fakePusher) {
	registry := presence.NewRegistry()
	pusher := &fakePusher{full: map[string]bool{}}
	return New(registry, pusher, nil, nil), registry, pusher
}

func testRecord(ns, did string) entity.DiffRecord {
	return entity.DiffRecord{
		ID:               1,
		LinkLanguageUUID: ns,
		DID:              did,
		Additions: entity.LinkList{{
			Author:    did,
			Timestamp: link.RawTime("100"),
			Data:      map[string]json.RawMessage{"source": json.RawMessage(`"x"`)},
		}},
		ServerRecordTimestamp: time.UnixMilli(1_000).UTC(),
	}
}

func TestRelay_OnCommitSkipsCommitterAndReachesOthers(t *testing.T) {
	r, registry, pusher := newTestRelay()
	registry.Register("ns3", "did:a", "conn-a")
	registry.Register("ns3", "did:b", "conn-b1")
	registry.Register("ns3", "did:b", "conn-b2")
	registry.Register("other", "did:c", "conn-c")

	rec := testRecord("ns3", "did:a")
	r.OnCommit(context.Background(), rec)

	assert.Empty(t, pusher.to("conn-a"))
	assert.Empty(t, pusher.to("conn-c"))
	for _, conn := range []string{"conn-b1", "conn-b2"} {
		got := pusher.to(conn)
		require.Len(t, got, 1, conn)
		assert.Equal(t, EventSignalEmit, got[0].event)
		msg := got[0].data.(SignalEmit)
		assert.Equal(t, []link.Link(rec.Additions), msg.Payload.Additions)
		assert.Equal(t, []link.Link{}, msg.Payload.Removals)
		assert.Equal(t, rec.ServerRecordTimestamp, msg.ServerRecordTimestamp)
	}
}

func TestRelay_OnCommitContinuesPastFullQueue(t *testing.T) {
	r, registry, pusher := newTestRelay()
	registry.Register("ns", "did:b", "conn-b")
	registry.Register("ns", "did:c", "conn-c")
	pusher.full["conn-b"] = true

	r.OnCommit(context.Background(), testRecord("ns", "did:a"))

	assert.Empty(t, pusher.to("conn-b"))
	assert.Len(t, pusher.to("conn-c"), 1)
}

func TestRelay_SendDirect(t *testing.T) {
	r, registry, pusher := newTestRelay()
	registry.Register("ns", "did:b", "conn-b")

	payload := json.RawMessage(`{"cursor":[1,2]}`)
	require.NoError(t, r.SendDirect("ns", "did:b", payload))
	got := pusher.to("conn-b")
	require.Len(t, got, 1)
	assert.Equal(t, EventTelepresenceSignal, got[0].event)
	assert.Equal(t, payload, got[0].data)
}

func TestRelay_SendDirectUnknownAgent(t *testing.T) {
	r, registry, pusher := newTestRelay()
	registry.Register("other-ns", "did:b", "conn-b")

	err := r.SendDirect("ns", "did:b", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrRemoteAgentNotFound)
	assert.Equal(t, "Remote agent not found", err.Error())
	assert.Empty(t, pusher.out)
}

func TestRelay_SendBroadcast(t *testing.T) {
	r, registry, pusher := newTestRelay()
	registry.Register("ns", "did:a", "conn-a")
	registry.Register("ns", "did:b", "conn-b")

	n := r.SendBroadcast("ns", json.RawMessage(`"hi"`), "conn-a")
	assert.Equal(t, 1, n)
	assert.Empty(t, pusher.to("conn-a"))
	assert.Len(t, pusher.to("conn-b"), 1)

	n = r.SendBroadcast("ns", nil, "")
	assert.Equal(t, 2, n)
	got := pusher.to("conn-a")
	require.Len(t, got, 1)
	assert.Equal(t, json.RawMessage("null"), got[0].data)
}
