package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reserveInventory struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// TestRegistry_RegisterAndDecode 测试注册与解码
func TestRegistry_RegisterAndDecode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("inventory.reserve", 1, JSONDecoder[reserveInventory]()))

	assert.True(t, r.Has("inventory.reserve"))
	assert.Equal(t, 1, r.SchemaVersion("inventory.reserve"))

	v, err := r.Decode("inventory.reserve", []byte(`{"sku":"A","quantity":3}`))
	require.NoError(t, err)
	cmd, ok := v.(*reserveInventory)
	require.True(t, ok)
	assert.Equal(t, "A", cmd.SKU)
	assert.Equal(t, 3, cmd.Quantity)
}

// TestRegistry_RegisterValidation 测试注册参数校验
func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register("", 1, JSONDecoder[reserveInventory]()))
	assert.Error(t, r.Register("a.b", 1, nil))
	assert.Error(t, r.Register("a.b", 0, JSONDecoder[reserveInventory]()))

	require.NoError(t, r.Register("a.b", 1, JSONDecoder[reserveInventory]()))
	// 重复注册
	assert.Error(t, r.Register("a.b", 2, JSONDecoder[reserveInventory]()))
}

// TestRegistry_DecodeUnknownType 测试解码未注册类型
func TestRegistry_DecodeUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode("no.such.type", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

// TestRegistry_DecodeInvalidPayload 测试解码非法负载
func TestRegistry_DecodeInvalidPayload(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("a.b", 1, JSONDecoder[reserveInventory]())

	_, err := r.Decode("a.b", []byte(`not json`))
	assert.Error(t, err)
}

// TestRegistry_Types 测试类型列表
func TestRegistry_Types(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("a.b", 1, JSONDecoder[reserveInventory]())
	r.MustRegister("c.d", 2, JSONDecoder[reserveInventory]())

	types := r.Types()
	assert.Len(t, types, 2)
	assert.Contains(t, types, "a.b")
	assert.Contains(t, types, "c.d")

	assert.Equal(t, 0, r.SchemaVersion("missing"))
}
