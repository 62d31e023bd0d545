package llm

import "github.com/kodonghui/CORTHEX-HQ-sub001/types"

// SamplingDecision 指示温度字段如何进入请求体。
type SamplingDecision int

const (
	// SamplingOmit 请求体中完全不出现温度字段。
	SamplingOmit SamplingDecision = iota
	// SamplingModelDefault 使用后端路由上配置的模型默认温度。
	SamplingModelDefault
	// SamplingFixed 使用固定值。
	SamplingFixed
)

// SamplingRule 采样决策结果。
type SamplingRule struct {
	Decision    SamplingDecision
	Temperature float32 // 仅 SamplingFixed 时有效
}

// 各协议族对温度与推理深度共存的约束并不一致：
//   - strict-object 族的推理模型根本没有温度参数，一律省略；
//   - unrestricted 族在开启扩展推理时禁止温度，关闭时要求显式温度；
//   - no-union 族温度与推理预算可以共存，使用模型默认值。
const defaultFixedTemperature = 0.7

// ResolveSampling 是 (family, depth) 的纯函数，恰好返回三种决策之一。
func ResolveSampling(family types.BackendFamily, depth types.ReasoningDepth) SamplingRule {
	switch family {
	case types.FamilyStrictObject:
		return SamplingRule{Decision: SamplingOmit}
	case types.FamilyUnrestricted:
		if depth != "" && depth != types.ReasoningNone {
			return SamplingRule{Decision: SamplingOmit}
		}
		return SamplingRule{Decision: SamplingFixed, Temperature: defaultFixedTemperature}
	case types.FamilyNoUnion:
		return SamplingRule{Decision: SamplingModelDefault}
	default:
		return SamplingRule{Decision: SamplingOmit}
	}
}
