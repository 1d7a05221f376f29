package hostrpc

import (
	"fmt"
	"math"

	"go.lsp.dev/uri"

	"github.com/tangzhangming/tiering/internal/bytecode"
)

// LoadParams tier/load 参数
// Source 为空时从 URI 指向的文件读取
type LoadParams struct {
	URI    uri.URI `json:"uri"`
	Source string  `json:"source,omitempty"`
}

// LoadResult tier/load 结果
type LoadResult struct {
	URI       uri.URI  `json:"uri"`
	Functions []string `json:"functions"`
}

// FunctionParams 定位一个已加载的函数
type FunctionParams struct {
	URI      uri.URI `json:"uri"`
	Function string  `json:"function"`
}

// TierParams 带层级的函数参数
type TierParams struct {
	URI      uri.URI `json:"uri"`
	Function string  `json:"function"`
	Tier     string  `json:"tier,omitempty"`
}

// CallParams tier/call 参数
// 参数支持 null、布尔和数字
type CallParams struct {
	URI      uri.URI       `json:"uri"`
	Function string        `json:"function"`
	Args     []interface{} `json:"args,omitempty"`
}

// CallResult tier/call 结果
type CallResult struct {
	Value  string `json:"value"`
	Type   string `json:"type"`
	Output string `json:"output,omitempty"`
}

// StatusResult tier/status 结果
type StatusResult struct {
	Bits  uint32 `json:"bits"`
	Flags string `json:"flags"`
}

// toValue 把 JSON 值转换为运行时值
// 整数且落在小整数范围内的数字转换为 int，其余（包括 -0）为 float
func toValue(a interface{}) (bytecode.Value, error) {
	switch x := a.(type) {
	case nil:
		return bytecode.Undefined, nil
	case bool:
		return bytecode.NewBool(x), nil
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt32 && x <= math.MaxInt32 && !(x == 0 && math.Signbit(x)) {
			return bytecode.NewInt(int64(x)), nil
		}
		return bytecode.NewFloat(x), nil
	case int64:
		return bytecode.NewInt(x), nil
	}
	return bytecode.Undefined, fmt.Errorf("unsupported argument type %T", a)
}
