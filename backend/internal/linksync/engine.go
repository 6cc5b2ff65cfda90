package linksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/link"
	"link-relay/backend/internal/repo"
)

var (
	ErrMissingNamespace = errors.New("linkLanguageUUID is required")
	ErrMissingDID       = errors.New("did is required")
)

// 时间戳粒度。客户端大多用毫秒精度的 Date 回传游标，
// 所以服务端时间戳也落在毫秒上，回传后严格大于比较不会出现边界误差。
const stampGranularity = time.Millisecond

// DefaultIdleEviction 命名空间时钟空闲多久后回收
const DefaultIdleEviction = 10 * time.Minute

// CommitObserver 提交成功（已落库）之后被通知，例如实时推送、Kafka 事件
type CommitObserver interface {
	OnCommit(ctx context.Context, rec entity.DiffRecord)
}

// Result commit/sync/render 的返回：聚合后的 diff + 服务端时间戳
type Result struct {
	link.Diff
	ServerRecordTimestamp time.Time
}

type EngineOptions struct {
	// Clock 默认 time.Now，测试里注入
	Clock  func() time.Time
	Logger *zap.Logger
	// IdleEviction last 早于 now-IdleEviction 的命名空间时钟会被回收，下次使用时从日志重新初始化
	IdleEviction time.Duration
}

// 每个命名空间的时钟状态。
// last 是已经发出去的最大时间戳（提交用过的，或空结果 sync 返回过的），
// 之后的提交一定严格大于它。
type namespaceState struct {
	mu     sync.Mutex
	seeded bool
	last   time.Time
	// 已从 map 里摘掉；拿着旧指针的调用方要重新获取
	evicted bool
}

// Engine 同步引擎：写提交日志、读游标、计算追平数据
type Engine struct {
	commits repo.CommitLog
	cursors repo.SyncCursorRepo
	clock   func() time.Time
	logger  *zap.Logger

	mu           sync.RWMutex
	namespaces   map[string]*namespaceState
	idleEviction time.Duration
	lastSweep    time.Time

	obsMu     sync.RWMutex
	observers []CommitObserver
}

func NewEngine(commits repo.CommitLog, cursors repo.SyncCursorRepo, opt EngineOptions) *Engine {
	clock := opt.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := opt.IdleEviction
	if idle <= 0 {
		idle = DefaultIdleEviction
	}
	return &Engine{
		commits:      commits,
		cursors:      cursors,
		clock:        clock,
		logger:       logger,
		namespaces:   make(map[string]*namespaceState),
		idleEviction: idle,
	}
}

// Subscribe 注册提交观察者，按注册顺序通知
func (e *Engine) Subscribe(o CommitObserver) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

func (e *Engine) getOrCreateNamespace(linkLanguageUUID string) *namespaceState {
	e.mu.RLock()
	st := e.namespaces[linkLanguageUUID]
	e.mu.RUnlock()
	if st != nil {
		return st
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if st = e.namespaces[linkLanguageUUID]; st == nil {
		e.sweepLocked()
		st = &namespaceState{}
		e.namespaces[linkLanguageUUID] = st
	}
	return st
}

// sweepLocked 回收空闲的命名空间时钟，调用方持有 e.mu 写锁。
// 只回收 last 早于 now-idleEviction 的状态：重新初始化后 now 已经大于所有发出去的时间戳，
// 单调性不受影响。正在被使用（锁被占用）的状态跳过。
func (e *Engine) sweepLocked() {
	now := e.now()
	if now.Sub(e.lastSweep) < e.idleEviction {
		return
	}
	e.lastSweep = now
	cutoff := now.Add(-e.idleEviction)
	for ns, st := range e.namespaces {
		if !st.mu.TryLock() {
			continue
		}
		if st.last.Before(cutoff) {
			st.evicted = true
			delete(e.namespaces, ns)
		}
		st.mu.Unlock()
	}
}

// lockNamespace 返回已加锁的命名空间状态，调用方负责 Unlock。
// 进程重启后第一次使用时，用日志里最新的时间戳初始化时钟。
func (e *Engine) lockNamespace(ctx context.Context, linkLanguageUUID string) (*namespaceState, error) {
	st := e.getOrCreateNamespace(linkLanguageUUID)
	st.mu.Lock()
	for st.evicted {
		st.mu.Unlock()
		st = e.getOrCreateNamespace(linkLanguageUUID)
		st.mu.Lock()
	}
	if st.seeded {
		return st, nil
	}
	latest, ok, err := e.commits.Latest(ctx, linkLanguageUUID)
	if err != nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("seed clock for %s: %w", linkLanguageUUID, err)
	}
	if ok && latest.After(st.last) {
		st.last = latest
	}
	st.seeded = true
	return st, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(stampGranularity)
}

// nextStamp 严格递增：max(now, last+1ms)
func (e *Engine) nextStamp(st *namespaceState) time.Time {
	ts := e.now()
	if !ts.After(st.last) {
		ts = st.last.Add(stampGranularity)
	}
	st.last = ts
	return ts
}

// reserveNow 给空结果用的 "当前时间"，之后的提交都会严格大于它
func (e *Engine) reserveNow(st *namespaceState) time.Time {
	ts := e.now()
	if ts.Before(st.last) {
		ts = st.last
	}
	st.last = ts
	return ts
}

// Commit 盖服务端时间戳并追加到日志。
// 同一命名空间的提交串行执行，落库顺序就是可见顺序；
// 落库失败直接返回错误，不通知任何观察者。
func (e *Engine) Commit(ctx context.Context, linkLanguageUUID, did string, additions, removals []link.Link) (Result, error) {
	if linkLanguageUUID == "" {
		return Result{}, ErrMissingNamespace
	}
	if did == "" {
		return Result{}, ErrMissingDID
	}
	if additions == nil {
		additions = []link.Link{}
	}
	if removals == nil {
		removals = []link.Link{}
	}

	st, err := e.lockNamespace(ctx, linkLanguageUUID)
	if err != nil {
		return Result{}, err
	}
	defer st.mu.Unlock()

	// 失败时 last 也不回退：写可能其实已经成功，宁可跳过一个时间点也不能重复
	rec := entity.DiffRecord{
		LinkLanguageUUID:      linkLanguageUUID,
		DID:                   did,
		Additions:             additions,
		Removals:              removals,
		ServerRecordTimestamp: e.nextStamp(st),
	}
	if _, err := e.commits.Append(ctx, &rec); err != nil {
		return Result{}, fmt.Errorf("commit to %s: %w", linkLanguageUUID, err)
	}

	// 仍在命名空间锁内通知，推送顺序与日志顺序一致；观察者不能阻塞
	e.obsMu.RLock()
	observers := e.observers
	e.obsMu.RUnlock()
	for _, o := range observers {
		o.OnCommit(ctx, rec)
	}

	return Result{
		Diff:                  link.Diff{Additions: additions, Removals: removals},
		ServerRecordTimestamp: rec.ServerRecordTimestamp,
	}, nil
}

// Sync 返回 watermark 之后（严格大于）的所有记录聚合。
// explicit 为空时读游标；游标也没有就从头（零值时间）开始。
func (e *Engine) Sync(ctx context.Context, linkLanguageUUID, did string, explicit *time.Time) (Result, error) {
	if linkLanguageUUID == "" {
		return Result{}, ErrMissingNamespace
	}

	var watermark time.Time
	switch {
	case explicit != nil:
		watermark = *explicit
	case did != "":
		cursor, err := e.cursors.Get(ctx, did, linkLanguageUUID)
		switch {
		case err == nil:
			watermark = cursor.Watermark()
		case errors.Is(err, repo.ErrCursorNotFound):
		default:
			return Result{}, fmt.Errorf("sync %s: %w", linkLanguageUUID, err)
		}
	}

	now, err := e.reserve(ctx, linkLanguageUUID)
	if err != nil {
		return Result{}, err
	}
	records, err := e.commits.FindSince(ctx, linkLanguageUUID, watermark, false)
	if err != nil {
		return Result{}, fmt.Errorf("sync %s: %w", linkLanguageUUID, err)
	}
	e.logger.Debug("sync",
		zap.String("linkLanguageUUID", linkLanguageUUID),
		zap.String("did", did),
		zap.Time("watermark", watermark),
		zap.Int("records", len(records)))
	return flatten(records, now), nil
}

// Render 全量历史的聚合，给新客户端初始化用
func (e *Engine) Render(ctx context.Context, linkLanguageUUID string) (Result, error) {
	if linkLanguageUUID == "" {
		return Result{}, ErrMissingNamespace
	}
	now, err := e.reserve(ctx, linkLanguageUUID)
	if err != nil {
		return Result{}, err
	}
	records, err := e.commits.FindAll(ctx, linkLanguageUUID)
	if err != nil {
		return Result{}, fmt.Errorf("render %s: %w", linkLanguageUUID, err)
	}
	return flatten(records, now), nil
}

// reserve 在查询之前取得 "当前时间"。
// 拿到命名空间锁时，所有时间戳 <= now 的提交都已落库（提交全程持锁），
// 之后的提交又一定大于 now，所以空结果返回 now 不会漏掉记录。
func (e *Engine) reserve(ctx context.Context, linkLanguageUUID string) (time.Time, error) {
	st, err := e.lockNamespace(ctx, linkLanguageUUID)
	if err != nil {
		return time.Time{}, err
	}
	defer st.mu.Unlock()
	return e.reserveNow(st), nil
}

// flatten 记录已按时间倒序，additions/removals 按同样的顺序拼接
func flatten(records []entity.DiffRecord, now time.Time) Result {
	res := Result{Diff: link.Empty(), ServerRecordTimestamp: now}
	if len(records) == 0 {
		return res
	}
	for _, r := range records {
		res.Additions = append(res.Additions, r.Additions...)
		res.Removals = append(res.Removals, r.Removals...)
	}
	res.ServerRecordTimestamp = records[0].ServerRecordTimestamp
	return res
}

// UpdateSyncState 直接覆盖游标，允许回退
func (e *Engine) UpdateSyncState(ctx context.Context, did, linkLanguageUUID string, watermark time.Time) error {
	if linkLanguageUUID == "" {
		return ErrMissingNamespace
	}
	if did == "" {
		return ErrMissingDID
	}
	if err := e.cursors.Upsert(ctx, did, linkLanguageUUID, watermark.UTC()); err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return nil
}

// CurrentRevision 读游标；没有时 ok=false
func (e *Engine) CurrentRevision(ctx context.Context, did, linkLanguageUUID string) (time.Time, bool, error) {
	cursor, err := e.cursors.Get(ctx, did, linkLanguageUUID)
	if errors.Is(err, repo.ErrCursorNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("current revision: %w", err)
	}
	return cursor.Watermark(), true, nil
}
