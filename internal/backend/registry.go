package backend

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func newRegistry() *registry {
	return &registry{factories: make(map[string]Factory)}
}

// Register 将后端工厂加入全局注册表，重复类型会返回错误。
func Register(f Factory) error {
	return globalRegistry.register(f)
}

// MustRegister 在注册失败时 panic，适合后端 init() 中调用。
func MustRegister(f Factory) {
	if err := Register(f); err != nil {
		panic(err)
	}
}

// Resolve 返回指定类型的工厂。
func Resolve(backendType string) (Factory, bool) {
	return globalRegistry.resolve(backendType)
}

// Types 返回所有已注册的后端类型，按字母排序。
func Types() []string {
	return globalRegistry.types()
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func (r *registry) register(f Factory) error {
	key := normalizeType(f.Type)
	if key == "" {
		return fmt.Errorf("backend type is required")
	}
	if f.New == nil {
		return fmt.Errorf("backend %s: constructor is required", key)
	}
	f.Type = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("backend %s already registered", key)
	}
	r.factories[key] = f
	return nil
}

func (r *registry) resolve(t string) (Factory, bool) {
	key := normalizeType(t)
	if key == "" {
		return Factory{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[key]
	return f, ok
}

func (r *registry) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.factories))
	for key := range r.factories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
