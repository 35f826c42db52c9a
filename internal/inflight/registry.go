// Package inflight 记录当前正在下载的 Request Key，保证同一 key 同时只有一个下载单元。
// 注册表只存在于进程内存中，重启即清空。
package inflight

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Record 描述一次被接纳的下载。
type Record struct {
	Key     string    `json:"key"`
	URL     string    `json:"url"`
	Started time.Time `json:"started"`
}

// Registry 是 key -> Record 的并发安全集合，TryBegin 是唯一的准入点。
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	admitted atomic.Int64
	rejected atomic.Int64
}

// New 创建空的注册表。
func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// TryBegin 原子地检查并登记 key。已在进行中时返回现有记录与 false。
func (r *Registry) TryBegin(key, url string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[key]; ok {
		r.rejected.Inc()
		return existing, false
	}
	rec := &Record{
		Key:     key,
		URL:     url,
		Started: time.Now(),
	}
	r.records[key] = rec
	r.admitted.Inc()
	return rec, true
}

// End 注销 key；未登记的 key 是 no-op，重复调用安全。
func (r *Registry) End(key string) {
	r.mu.Lock()
	delete(r.records, key)
	r.mu.Unlock()
}

// Active 报告 key 是否正在下载。
func (r *Registry) Active(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[key]
	return ok
}

// Len 返回进行中的下载数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot 按开始时间返回所有进行中记录的副本。
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, Record{Key: rec.Key, URL: rec.URL, Started: rec.Started})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].Key < out[j].Key
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Counters 返回累计的准入/拒绝次数。
func (r *Registry) Counters() (admitted, rejected int64) {
	return r.admitted.Load(), r.rejected.Load()
}
