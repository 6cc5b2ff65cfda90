package link

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Link 一条图边：谁（author）在什么时候（客户端时间）写下了 data（source/predicate/target）。
// relay 不解释 data，只按原样存储和转发。
type Link struct {
	Author    string                     `json:"author" validate:"required"`
	Timestamp RawTime                    `json:"timestamp"`
	Data      map[string]json.RawMessage `json:"data" validate:"required"`
}

// Diff 一次提交（或多次提交聚合后）的增删集合
type Diff struct {
	Additions []Link `json:"additions"`
	Removals  []Link `json:"removals"`
}

// Empty 返回一个 additions/removals 都是空数组（而不是 null）的 Diff
func Empty() Diff {
	return Diff{Additions: []Link{}, Removals: []Link{}}
}

// RawTime 保留客户端传来的时间戳原文（数字毫秒或字符串都可以），回传时字节不变
type RawTime json.RawMessage

func (t RawTime) MarshalJSON() ([]byte, error) {
	if len(t) == 0 {
		return []byte("null"), nil
	}
	return t, nil
}

func (t *RawTime) UnmarshalJSON(b []byte) error {
	*t = append((*t)[0:0], b...)
	return nil
}

// String 字符串形式：JSON 字符串去掉引号，数字保持原文
func (t RawTime) String() string {
	raw := bytes.TrimSpace(t)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// Instant 协议里的时间点（sync.timestamp / update-sync-state.date）。
// 接受毫秒数字或 RFC3339 字符串；null、0、"" 都视为没传。
type Instant struct {
	Time time.Time
	Set  bool
}

func At(t time.Time) Instant { return Instant{Time: t, Set: true} }

func (i *Instant) UnmarshalJSON(b []byte) error {
	*i = Instant{}
	raw := bytes.TrimSpace(b)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		return i.parseString(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	return i.parseMillis(n)
}

func (i *Instant) parseString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*i = At(t)
		return nil
	}
	// 也有客户端把毫秒数当字符串发
	return i.parseMillis(json.Number(s))
}

func (i *Instant) parseMillis(n json.Number) error {
	ms, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return &InstantError{Value: n.String()}
		}
		ms = int64(f)
	}
	if ms == 0 {
		return nil
	}
	*i = At(time.UnixMilli(ms))
	return nil
}

func (i Instant) MarshalJSON() ([]byte, error) {
	if !i.Set {
		return []byte("null"), nil
	}
	return json.Marshal(i.Time.UTC())
}

// Ptr 没设置时返回 nil，方便直接交给 Sync
func (i Instant) Ptr() *time.Time {
	if !i.Set {
		return nil
	}
	t := i.Time
	return &t
}

type InstantError struct {
	Value string
}

func (e *InstantError) Error() string {
	return "invalid timestamp " + e.Value + ": want epoch milliseconds or RFC3339"
}
