package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("ns1", "did:a", "c1")
	r.Register("ns1", "did:a", "c1")

	assert.Equal(t, []Entry{{DID: "did:a", ConnectionID: "c1"}}, r.ListOthers("ns1", ""))
}

func TestRegistry_MultipleConnectionsPerDID(t *testing.T) {
	r := NewRegistry()
	r.Register("ns1", "did:a", "c2")
	r.Register("ns1", "did:a", "c1")
	r.Register("ns1", "did:b", "c3")

	assert.Len(t, r.ListOthers("ns1", ""), 3)
	assert.Equal(t, []Entry{{DID: "did:b", ConnectionID: "c3"}}, r.ListOthers("ns1", "did:a"))

	conn, ok := r.FindByDID("ns1", "did:a")
	require.True(t, ok)
	assert.Equal(t, "c1", conn)
	assert.Equal(t, []string{"did:a", "did:b"}, r.OnlineDIDs("ns1", ""))
}

func TestRegistry_UnregisterRemovesExactEntryAndDropsEmptyNamespace(t *testing.T) {
	r := NewRegistry()
	r.Register("ns1", "did:a", "c1")
	r.Register("ns1", "did:a", "c2")

	r.Unregister("ns1", "did:a", "c1")
	assert.Equal(t, []Entry{{DID: "did:a", ConnectionID: "c2"}}, r.ListOthers("ns1", ""))

	// 不匹配的不删
	r.Unregister("ns1", "did:b", "c2")
	assert.Len(t, r.ListOthers("ns1", ""), 1)

	r.Unregister("ns1", "did:a", "c2")
	namespaces, entries := r.Count()
	assert.Equal(t, 0, namespaces)
	assert.Equal(t, 0, entries)

	_, ok := r.FindByDID("ns1", "did:a")
	assert.False(t, ok)
}

func TestRegistry_NamespacesAreIsolated(t *testing.T) {
	r := NewRegistry()
	r.Register("ns1", "did:a", "c1")
	r.Register("ns2", "did:b", "c2")

	assert.Equal(t, []Entry{{DID: "did:a", ConnectionID: "c1"}}, r.ListOthers("ns1", ""))
	_, ok := r.FindByDID("ns1", "did:b")
	assert.False(t, ok)
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			r.Register("ns", "did:x", conn)
			_ = r.ListOthers("ns", "did:y")
			r.Unregister("ns", "did:x", conn)
		}(i)
	}
	wg.Wait()

	namespaces, entries := r.Count()
	assert.Equal(t, 0, namespaces)
	assert.Equal(t, 0, entries)
}
