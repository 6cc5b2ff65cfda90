package presence

import (
	"sort"
	"sync"
)

// Entry 一个在线连接：哪个 DID 通过哪个连接在线
type Entry struct {
	DID          string `json:"did"`
	ConnectionID string `json:"connectionId"`
}

// Registry 进程内的在线表：linkLanguageUUID -> 在线连接集合。
// 只用于推送寻址，不做鉴权；进程重启后为空，等客户端重连再填充。
// 注册/注销/列举都在同一把锁内完成，保证 "谁在线" 不会被看到一半。
type Registry struct {
	mu         sync.Mutex
	namespaces map[string]map[Entry]struct{}
}

func NewRegistry() *Registry {
	return &Registry{namespaces: make(map[string]map[Entry]struct{})}
}

// Register 幂等；同一个 DID 可以有多条（多端/多标签页），以 connectionID 区分
func (r *Registry) Register(linkLanguageUUID, did, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.namespaces[linkLanguageUUID]
	if set == nil {
		set = make(map[Entry]struct{})
		r.namespaces[linkLanguageUUID] = set
	}
	set[Entry{DID: did, ConnectionID: connectionID}] = struct{}{}
}

// Unregister 只删完全匹配的一条；集合空了连命名空间的 key 一起删，避免空 map 堆积
func (r *Registry) Unregister(linkLanguageUUID, did, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.namespaces[linkLanguageUUID]
	if !ok {
		return
	}
	delete(set, Entry{DID: did, ConnectionID: connectionID})
	if len(set) == 0 {
		delete(r.namespaces, linkLanguageUUID)
	}
}

// ListOthers 返回命名空间内除 excludeDID 以外的所有在线连接（拷贝，按 DID、连接排序）。
// excludeDID 为空时返回全部。
func (r *Registry) ListOthers(linkLanguageUUID, excludeDID string) []Entry {
	r.mu.Lock()
	set := r.namespaces[linkLanguageUUID]
	out := make([]Entry, 0, len(set))
	for e := range set {
		if excludeDID != "" && e.DID == excludeDID {
			continue
		}
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DID != out[j].DID {
			return out[i].DID < out[j].DID
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// FindByDID 用于定向信令；同一 DID 多个连接时取连接 ID 最小的那个，保证结果稳定
func (r *Registry) FindByDID(linkLanguageUUID, did string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := ""
	for e := range r.namespaces[linkLanguageUUID] {
		if e.DID != did {
			continue
		}
		if found == "" || e.ConnectionID < found {
			found = e.ConnectionID
		}
	}
	return found, found != ""
}

// OnlineDIDs 去重后的在线 DID（排除 excludeDID）
func (r *Registry) OnlineDIDs(linkLanguageUUID, excludeDID string) []string {
	entries := r.ListOthers(linkLanguageUUID, excludeDID)
	dids := make([]string, 0, len(entries))
	for _, e := range entries {
		if len(dids) > 0 && dids[len(dids)-1] == e.DID {
			continue
		}
		dids = append(dids, e.DID)
	}
	return dids
}

// Count 返回 (命名空间数, 在线连接总数)，给监控用
func (r *Registry) Count() (namespaces int, entries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.namespaces {
		entries += len(set)
	}
	return len(r.namespaces), entries
}
