// Package registry 提供静态事件类型注册表，用于负载的强类型解码
//
// 分发采用静态映射 event-type → 解码函数，不使用反射。
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DecodeFunc 负载解码函数
type DecodeFunc func(payload []byte) (any, error)

// JSONDecoder 生成基于 JSON 的解码函数
//
// 示例：
//
//	registry.MustRegister("inventory.reserve", 1, registry.JSONDecoder[ReserveInventory]())
func JSONDecoder[T any]() DecodeFunc {
	return func(payload []byte) (any, error) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return &v, nil
	}
}

// Registry 事件类型注册表
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
	versions map[string]int
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]DecodeFunc),
		versions: make(map[string]int),
	}
}

// Register 注册事件类型
func (r *Registry) Register(eventType string, schemaVersion int, decode DecodeFunc) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if decode == nil {
		return fmt.Errorf("decode func cannot be nil for type %s", eventType)
	}
	if schemaVersion <= 0 {
		return fmt.Errorf("schema version must be greater than 0 for type %s", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decoders[eventType]; exists {
		return fmt.Errorf("event type already registered: %s", eventType)
	}
	r.decoders[eventType] = decode
	r.versions[eventType] = schemaVersion
	return nil
}

// MustRegister 注册事件类型（失败 panic）
func (r *Registry) MustRegister(eventType string, schemaVersion int, decode DecodeFunc) {
	if err := r.Register(eventType, schemaVersion, decode); err != nil {
		panic(err)
	}
}

// Decode 解码指定类型的负载
func (r *Registry) Decode(eventType string, payload []byte) (any, error) {
	r.mu.RLock()
	decode, exists := r.decoders[eventType]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	v, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventType, err)
	}
	return v, nil
}

// Has 检查事件类型是否已注册
func (r *Registry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.decoders[eventType]
	return exists
}

// SchemaVersion 获取事件类型的模式版本（未注册返回 0）
func (r *Registry) SchemaVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.versions[eventType]
}

// Types 获取所有已注册的事件类型
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	return types
}

var globalRegistry = NewRegistry()

// RegisterGlobal 注册到全局注册表
func RegisterGlobal(eventType string, schemaVersion int, decode DecodeFunc) error {
	return globalRegistry.Register(eventType, schemaVersion, decode)
}

// MustRegisterGlobal 注册（失败 panic）
func MustRegisterGlobal(eventType string, schemaVersion int, decode DecodeFunc) {
	globalRegistry.MustRegister(eventType, schemaVersion, decode)
}

// DecodeGlobal 通过全局注册表解码
func DecodeGlobal(eventType string, payload []byte) (any, error) {
	return globalRegistry.Decode(eventType, payload)
}

// HasGlobal 检查全局注册表
func HasGlobal(eventType string) bool {
	return globalRegistry.Has(eventType)
}
