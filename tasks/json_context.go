package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// JSONContext 任务data的读写封装, 保存 incoming_data / current_data 快照
type JSONContext struct {
	data map[string]any
}

func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// NewSnapshotContext 生成任务data, current为nil时不写current_data
func NewSnapshotContext(incoming map[string]any, current map[string]any) *JSONContext {
	c := NewJSONContextFromMap(nil)
	c.data[TaskDataKeyIncomingData] = incoming
	if current != nil {
		c.data[TaskDataKeyCurrentData] = current
	}
	return c
}

// Get 获取值，支持嵌套路径
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetMap 获取嵌套的对象, 对datatypes.JSONMap也生效
func (c *JSONContext) GetMap(keys ...string) (map[string]any, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return nil, false
	}
	return asStringMap(val)
}

func (c *JSONContext) IncomingData() map[string]any {
	m, _ := c.GetMap(TaskDataKeyIncomingData)
	return m
}

func (c *JSONContext) CurrentData() map[string]any {
	m, _ := c.GetMap(TaskDataKeyCurrentData)
	return m
}

// Set 设置值，支持嵌套路径, 中间节点不是map时会被覆盖
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		nextMap, ok := asStringMap(current[key])
		if !ok {
			nextMap = make(map[string]any)
		}
		current[key] = nextMap
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// ToJSONMap 转成json列类型, 先走一次json编码保证类型都是json基础类型
func (c *JSONContext) ToJSONMap() (datatypes.JSONMap, error) {
	b, err := c.ToBytes()
	if err != nil {
		return nil, errors.WithMessage(err, "marshal task data failed")
	}
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.UseNumber()
	ret := map[string]any{}
	if err := decoder.Decode(&ret); err != nil {
		return nil, errors.WithMessage(err, "unmarshal task data failed")
	}
	return datatypes.JSONMap(NormalizeJSONMap(ret)), nil
}

// NormalizeJSONMap 数字统一成int64(整数)或者float64, 嵌套对象统一成map[string]any
// 写入时和从库里读出来(datatypes.JSONMap按UseNumber解码)的类型保持一致
func NormalizeJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	ret := make(map[string]any, len(m))
	for k, v := range m {
		ret[k] = normalizeJSONValue(v)
	}
	return ret
}

func normalizeJSONValue(v any) any {
	switch value := v.(type) {
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case map[string]any:
		return NormalizeJSONMap(value)
	case datatypes.JSONMap:
		return NormalizeJSONMap(map[string]any(value))
	case []any:
		ret := make([]any, len(value))
		for i, item := range value {
			ret[i] = normalizeJSONValue(item)
		}
		return ret
	}
	return v
}

func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case datatypes.JSONMap:
		return map[string]any(m), true
	}
	return nil, false
}

// StringifyPayload 复制一份payload, 顶层的uuid/时间/Stringer(如decimal)转成字符串
func StringifyPayload(payload map[string]any) map[string]any {
	ret := make(map[string]any, len(payload))
	for k, v := range payload {
		switch value := v.(type) {
		case uuid.UUID:
			ret[k] = value.String()
		case *uuid.UUID:
			if value != nil {
				ret[k] = value.String()
			} else {
				ret[k] = nil
			}
		case time.Time:
			ret[k] = value.Format(time.RFC3339Nano)
		case fmt.Stringer:
			ret[k] = value.String()
		default:
			ret[k] = v
		}
	}
	return ret
}

// PickFields 取entity中和keys相同的字段
func PickFields(entity map[string]any, keysFrom map[string]any) map[string]any {
	ret := make(map[string]any, len(keysFrom))
	for k := range keysFrom {
		if v, ok := entity[k]; ok {
			ret[k] = v
		}
	}
	return StringifyPayload(ret)
}
