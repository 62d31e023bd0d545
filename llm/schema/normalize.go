// Package schema 把规范化的工具 Schema 编译成各协议族接受的变体。
//
// 三个协议族的约束差异是本包存在的全部理由：
//   - strict-object 族要求每个 object 节点递归携带“禁止额外字段”标记，
//     且 required 必须等于全部属性键。漏掉任何一个节点都会导致该轮
//     100% 的工具调用被拒绝，所以这里的处理是穷举且防御性的；
//   - no-union 族拒绝类型联合与自引用，只能压平或丢弃（有损，记日志）；
//   - unrestricted 族原样透传。
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// CompiledTool 编译产物：某一协议族可直接下发的工具定义。
type CompiledTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// maxDepth 防御 schema 树上的指针环与异常深度嵌套。
const maxDepth = 32

// Compile 把单个 ToolSpec 编译成指定协议族的变体。
// 扁平声明（Fields）在应用族规则之前先被包进单个 object 节点。
func Compile(spec types.ToolSpec, family types.BackendFamily) (*CompiledTool, error) {
	if spec.ID == "" {
		return nil, types.NewError(types.ErrSchemaCompilation, "tool spec has empty id")
	}
	if !family.Valid() {
		return nil, types.NewError(types.ErrSchemaCompilation, fmt.Sprintf("unknown backend family %q", family))
	}

	// Schema() 返回副本；后续变换不会污染调用方的 ToolSpec。
	node := spec.Schema()
	if node == nil {
		node = types.NewObjectSchema()
	}

	var err error
	switch family {
	case types.FamilyStrictObject:
		err = enforceStrictObject(node, 0)
	case types.FamilyNoUnion:
		err = flattenUnions(node, 0, map[*types.JSONSchema]bool{})
	case types.FamilyUnrestricted:
		err = checkDepth(node, 0, map[*types.JSONSchema]bool{})
	}
	if err != nil {
		return nil, types.NewError(types.ErrSchemaCompilation,
			fmt.Sprintf("tool %q cannot be compiled for family %q", spec.ID, family)).WithCause(err)
	}

	raw, err := json.Marshal(node)
	if err != nil {
		return nil, types.NewError(types.ErrSchemaCompilation,
			fmt.Sprintf("tool %q schema does not marshal", spec.ID)).WithCause(err)
	}

	return &CompiledTool{
		Name:        spec.ID,
		Description: spec.Description,
		Parameters:  raw,
	}, nil
}

// CompileAll 编译一组工具。单个工具畸形绝不让整轮失败：
// 记日志、剔除该工具，其余照常下发（优雅降级）。
func CompileAll(specs []types.ToolSpec, family types.BackendFamily, logger *zap.Logger) []CompiledTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]CompiledTool, 0, len(specs))
	for _, spec := range specs {
		compiled, err := Compile(spec, family)
		if err != nil {
			logger.Warn("excluding malformed tool from turn",
				zap.String("tool", spec.ID),
				zap.String("family", string(family)),
				zap.Error(err),
			)
			continue
		}
		out = append(out, *compiled)
	}
	return out
}

// enforceStrictObject 递归施加 strict-object 族约束：
// 每个 object 节点携带 additionalProperties:false，required 等于全部属性键；
// 缺失类型标记的节点强制视为 object 而不是报错。
func enforceStrictObject(node *types.JSONSchema, depth int) error {
	if node == nil {
		return nil
	}
	if depth > maxDepth {
		return fmt.Errorf("schema exceeds max depth %d", maxDepth)
	}

	// 联合类型节点：各分支分别施加约束
	for _, sub := range node.AnyOf {
		if err := enforceStrictObject(sub, depth+1); err != nil {
			return err
		}
	}
	for _, sub := range node.OneOf {
		if err := enforceStrictObject(sub, depth+1); err != nil {
			return err
		}
	}

	// 缺失类型标记：有属性或无任何结构线索时一律按 object 处理
	if node.Type == "" && len(node.Types) == 0 && len(node.AnyOf) == 0 && len(node.OneOf) == 0 && node.Ref == "" {
		node.Type = types.SchemaTypeObject
	}

	if node.Type == types.SchemaTypeObject {
		f := false
		node.AdditionalProperties = &f
		keys := make([]string, 0, len(node.Properties))
		for k := range node.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		node.Required = keys
		for _, k := range keys {
			if err := enforceStrictObject(node.Properties[k], depth+1); err != nil {
				return err
			}
		}
	}
	if node.Type == types.SchemaTypeArray {
		if node.Items == nil {
			node.Items = types.NewObjectSchema()
		}
		if err := enforceStrictObject(node.Items, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// flattenUnions 施加 no-union 族约束：类型联合取第一个分支，
// anyOf/oneOf 压平为首个变体，自引用替换为宽松 object。
// 所有替换都是有损的，逐一记入返回前的节点（调用方记日志）。
func flattenUnions(node *types.JSONSchema, depth int, seen map[*types.JSONSchema]bool) error {
	if node == nil {
		return nil
	}
	if depth > maxDepth {
		return fmt.Errorf("schema exceeds max depth %d", maxDepth)
	}
	if seen[node] {
		// 指针环即自引用：无法表达，原地降级为宽松 object
		dropToObject(node)
		return nil
	}
	seen[node] = true
	defer delete(seen, node)

	// $ref 自引用：丢弃引用，降级为宽松 object
	if node.Ref != "" {
		dropToObject(node)
		return nil
	}

	// 类型联合：取第一个非 null 类型
	if len(node.Types) > 0 {
		picked := node.Types[0]
		for _, t := range node.Types {
			if t != types.SchemaTypeNull {
				picked = t
				break
			}
		}
		node.Type = picked
		node.Types = nil
	}

	// anyOf/oneOf：压平为首个变体
	variants := node.AnyOf
	if len(variants) == 0 {
		variants = node.OneOf
	}
	if len(variants) > 0 {
		first := variants[0]
		node.AnyOf = nil
		node.OneOf = nil
		if err := flattenUnions(first, depth+1, seen); err != nil {
			return err
		}
		desc := node.Description
		*node = *first
		if desc != "" {
			node.Description = desc
		}
		return nil
	}

	for _, sub := range node.Properties {
		if err := flattenUnions(sub, depth+1, seen); err != nil {
			return err
		}
	}
	if err := flattenUnions(node.Items, depth+1, seen); err != nil {
		return err
	}
	return nil
}

// dropToObject 把无法表达的节点原地替换为宽松 object，保留描述。
func dropToObject(node *types.JSONSchema) {
	desc := node.Description
	*node = types.JSONSchema{Type: types.SchemaTypeObject, Description: desc}
}

// checkDepth 透传前仍要守住深度与指针环，避免 marshal 死循环。
func checkDepth(node *types.JSONSchema, depth int, seen map[*types.JSONSchema]bool) error {
	if node == nil {
		return nil
	}
	if depth > maxDepth {
		return fmt.Errorf("schema exceeds max depth %d", maxDepth)
	}
	if seen[node] {
		return fmt.Errorf("schema contains a reference cycle")
	}
	seen[node] = true
	defer delete(seen, node)

	for _, sub := range node.Properties {
		if err := checkDepth(sub, depth+1, seen); err != nil {
			return err
		}
	}
	for _, sub := range node.AnyOf {
		if err := checkDepth(sub, depth+1, seen); err != nil {
			return err
		}
	}
	for _, sub := range node.OneOf {
		if err := checkDepth(sub, depth+1, seen); err != nil {
			return err
		}
	}
	return checkDepth(node.Items, depth+1, seen)
}
