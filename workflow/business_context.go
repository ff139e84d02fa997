package workflow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BusinessContext 启动流程时业务方带进来的上下文(部门、案件类型、金额等)，
// 和实例一起持久化，处理人解析的时候可以引用里面的值
type BusinessContext struct {
	data map[string]any
}

// NewBusinessContext 从字节创建，解析失败当成空上下文
func NewBusinessContext(b []byte) *BusinessContext {
	c := &BusinessContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &c.data); err != nil || c.data == nil {
			c.data = make(map[string]any)
		}
	}
	return c
}

func NewBusinessContextFromMap(m map[string]any) *BusinessContext {
	data := make(map[string]any, len(m))
	for k, v := range m {
		data[k] = v
	}
	return &BusinessContext{data: data}
}

// Get 获取值，支持嵌套路径，例如 Get("case", "department")
func (c *BusinessContext) Get(keys ...string) (any, bool) {
	if c == nil || len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = currentMap[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString 数字也会转成字符串，部门编码有时候是数字
func (c *BusinessContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	switch v := val.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	}
	return "", false
}

func (c *BusinessContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	return toInt64(val)
}

// GetInt64Slice 获取用户id列表之类的值
func (c *BusinessContext) GetInt64Slice(keys ...string) ([]int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return nil, false
	}
	switch v := val.(type) {
	case []int64:
		return v, true
	case []any:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			id, ok := toInt64(item)
			if !ok {
				return nil, false
			}
			ids = append(ids, id)
		}
		return ids, true
	}
	return nil, false
}

func toInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// Set 设置值，支持嵌套路径，中间不是 map 的会被覆盖
func (c *BusinessContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// Lookup 解析节点上的引用，$department 或者 $case.department 从上下文取值，其他原样返回
func (c *BusinessContext) Lookup(ref string) (string, bool) {
	if !strings.HasPrefix(ref, "$") {
		return ref, ref != ""
	}
	path := strings.TrimPrefix(ref, "$")
	if path == "" {
		return "", false
	}
	return c.GetString(strings.Split(path, ".")...)
}

func (c *BusinessContext) ToBytes() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.data)
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *BusinessContext) ToMap() map[string]any {
	if c == nil {
		return nil
	}
	return c.data
}

func (c *BusinessContext) Clone() *BusinessContext {
	b, _ := c.ToBytes()
	return NewBusinessContext(b)
}
