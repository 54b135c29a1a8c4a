package recovery

import (
	"sync"

	"sagaflow/saga"
)

// Registry Saga 定义注册表
//
// 恢复扫描按持久化状态里的定义名称找回对应定义后续跑。
// 服务启动时注册所有定义；未注册名称的实例会被跳过并告警。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]saga.IDefinition
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]saga.IDefinition)}
}

// Register 注册定义（同名覆盖）
func (r *Registry) Register(def saga.IDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name()] = def
}

// Get 按名称查找定义
func (r *Registry) Get(name string) (saga.IDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}
