package backend

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/config"
)

// Backend 是所有下载器的统一契约。Fetch 可能阻塞较长时间，但必须有上限。
type Backend interface {
	Fetch(ctx context.Context, url, key string) (Result, error)
}

// Cleaner 由拥有私有工作目录的后端实现。结果被归一化取走后调用，
// 删除 key 对应的工作目录；目录不存在时返回 nil。
type Cleaner interface {
	Cleanup(key string) error
}

// Func 让普通函数满足 Backend，便于测试注入。
type Func func(ctx context.Context, url, key string) (Result, error)

// Fetch makes Func satisfy Backend.
func (f Func) Fetch(ctx context.Context, url, key string) (Result, error) {
	return f(ctx, url, key)
}

// Kind 区分后端结果的三种形态。零值 KindInvalid 表示后端没有给出结果。
type Kind int

const (
	// KindInvalid 是未初始化的 Result，不能被当作任何结果处理。
	KindInvalid Kind = iota
	// KindFailure 永久失败，不隐含重试。
	KindFailure
	// KindEmpty 暂时性问题，后续请求可再次尝试。
	KindEmpty
	// KindFiles 已在本地落盘的一个或多个文件。
	KindFiles
)

func (k Kind) String() string {
	switch k {
	case KindFailure:
		return "failure"
	case KindEmpty:
		return "empty"
	case KindFiles:
		return "files"
	default:
		return "unknown"
	}
}

// Result 是 Fetch 的返回值。Files 中的路径均为绝对路径，交出后后端不得再使用。
type Result struct {
	Kind  Kind
	Files []string
}

// Failure 构造永久失败结果。
func Failure() Result {
	return Result{Kind: KindFailure}
}

// Empty 构造暂时性空结果。
func Empty() Result {
	return Result{Kind: KindEmpty}
}

// Files 构造文件列表结果；空列表退化为 Empty。
func Files(paths ...string) Result {
	if len(paths) == 0 {
		return Empty()
	}
	return Result{Kind: KindFiles, Files: append([]string(nil), paths...)}
}

// Deps 汇总后端构造所需的共享依赖。
type Deps struct {
	HTTPClient *http.Client
	Logger     *logrus.Logger
	// WorkPath 是后端自有的临时下载目录根，每个后端在其下使用 <type>/<key>。
	WorkPath string
}

// Factory 描述一种后端类型及其构造函数。
type Factory struct {
	Type string
	New  func(cfg config.BackendConfig, deps Deps) (Backend, error)
}
