package cache

import (
	"context"
	"errors"
	"time"
)

// State 描述缓存条目的持久化状态。进行中的下载不落库，只由 in-flight 注册表推导。
type State string

const (
	StateAbsent State = "absent"
	StateReady  State = "ready"
	StateFailed State = "failed"
)

// Entry 表示一个 Request Key 的下载结果。Path 仅在 ready 时有值，是相对缓存根目录的路径。
type Entry struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Path      string    `json:"path,omitempty"`
	URL       string    `json:"url,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Absent 返回指定 key 的空条目。
func Absent(key string) Entry {
	return Entry{Key: key, State: StateAbsent}
}

// Store 负责索引与产物目录的读写。磁盘布局遵循：
//
//	<StoragePath>/<key>/<name>        # 单文件结果
//	<StoragePath>/<key>/<key>.zip     # 多文件合并后的归档
//
// 所有方法可被并发调用；索引 I/O 失败会原样返回，绝不伪装成 absent。
type Store interface {
	// Get 返回条目；不存在时返回 State 为 absent 的 Entry 与 nil error。
	Get(ctx context.Context, key string) (Entry, error)

	// Set 写入 ready/failed 条目，已存在时覆盖。
	Set(ctx context.Context, entry Entry) error

	// Delete 删除条目及其产物文件（若存在），key 目录为空时一并删除。
	Delete(ctx context.Context, key string) error

	// DeleteMissing 仅当条目仍是指向 path 的 ready 且产物确实缺失时删除索引行，
	// 返回是否删除。检查与删除在同一把 key 锁内完成。
	DeleteMissing(ctx context.Context, key, path string) (bool, error)

	// Recover 在索引缺失但 key 目录中已有完整产物时补写 ready 条目。
	Recover(ctx context.Context, key, url string) (Entry, bool, error)

	// ArtifactPath 将相对路径解析为缓存根目录下的绝对路径，拒绝越界路径。
	ArtifactPath(rel string) (string, error)

	// Root 返回缓存根目录的绝对路径。
	Root() string

	// Stats 返回各状态的条目数量，供诊断接口使用。
	Stats(ctx context.Context) (map[State]int64, error)

	Close() error
}

var (
	// ErrInvalidPath 表示产物路径越出缓存根目录。
	ErrInvalidPath = errors.New("invalid artifact path")
	// ErrInvalidEntry 表示试图写入不合法的条目。
	ErrInvalidEntry = errors.New("invalid cache entry")
)
