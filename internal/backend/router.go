package backend

import (
	"errors"
	"fmt"

	"github.com/grafana/regexp"
	"github.com/sirupsen/logrus"

	"github.com/hylde/hylde/internal/config"
	"github.com/hylde/hylde/internal/logging"
)

// ErrNoRoute 表示没有任何路由匹配该 URL，属于配置问题而非可重试状态。
var ErrNoRoute = errors.New("no backend matched url")

// Match 是一次路由结果。
type Match struct {
	Name    string
	Pattern string
	Backend Backend
}

type route struct {
	pattern *regexp.Regexp
	name    string
	backend Backend
}

// Router 按配置顺序匹配 URL，首个命中的路由胜出。构造后只读，可并发使用。
type Router struct {
	routes []route
	logger *logrus.Entry
}

// NewRouter 根据配置构造所有后端实例并编译路由正则；未注册的后端类型直接报错。
func NewRouter(cfg *config.Config, deps Deps) (*Router, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	instances := make(map[string]Backend, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		factory, ok := Resolve(bc.Type)
		if !ok {
			return nil, fmt.Errorf("backend %s: type %s is not registered", bc.Name, bc.Type)
		}
		instance, err := factory.New(bc, deps)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Name, err)
		}
		instances[bc.Name] = instance
	}

	r := &Router{logger: logging.Component(deps.Logger, "router")}
	for _, rc := range cfg.Routes {
		instance, ok := instances[rc.Backend]
		if !ok {
			return nil, fmt.Errorf("route %q: backend %s is not declared", rc.Pattern, rc.Backend)
		}
		if err := r.Add(rc.Pattern, rc.Backend, instance); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add 追加一条路由，顺序即优先级。
func (r *Router) Add(pattern, name string, b Backend) error {
	if b == nil {
		return fmt.Errorf("route %q: backend is nil", pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("route %q: %w", pattern, err)
	}
	if r.logger == nil {
		r.logger = logging.Component(nil, "router")
	}
	r.routes = append(r.routes, route{pattern: re, name: name, backend: b})
	return nil
}

// Resolve 返回首个匹配 url 的后端。
func (r *Router) Resolve(url string) (Match, error) {
	for _, rt := range r.routes {
		if rt.pattern.MatchString(url) {
			r.logger.WithFields(logrus.Fields{
				"backend": rt.name,
				"pattern": rt.pattern.String(),
				"url":     url,
			}).Debug("route_matched")
			return Match{Name: rt.name, Pattern: rt.pattern.String(), Backend: rt.backend}, nil
		}
	}
	return Match{}, fmt.Errorf("%w: %s", ErrNoRoute, url)
}

// Len 返回路由条数。
func (r *Router) Len() int {
	return len(r.routes)
}
