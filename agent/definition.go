// Package agent 定义智能体的静态形态（层级树）与运行时执行。
//
// 层级是三层固定结构：一个 coordinator 根节点、若干 manager、
// 若干 specialist。树在启动期一次性校验，运行期只读。
package agent

import (
	"fmt"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Tier 智能体层级。
type Tier string

const (
	TierCoordinator Tier = "coordinator"
	TierManager     Tier = "manager"
	TierSpecialist  Tier = "specialist"
)

// Valid 判断层级取值是否合法。
func (t Tier) Valid() bool {
	switch t {
	case TierCoordinator, TierManager, TierSpecialist:
		return true
	}
	return false
}

// Definition 单个智能体的静态声明。
type Definition struct {
	ID      string
	Name    string
	Tier    Tier
	Model   string
	// Reasoning 该智能体调用模型时的推理深度。
	Reasoning types.ReasoningDepth
	// Tools 允许该智能体使用的工具 ID 白名单。
	Tools []string
	// Superior 上级智能体 ID（coordinator 为空）。
	Superior string
	// Subordinates 直接下级智能体 ID。
	Subordinates []string
	// Persona 注入 system 消息的角色设定。
	Persona string
	// AutoSpawn 允许该智能体在执行中动态派生下级分支。
	AutoSpawn bool
}

// Tree 校验后的智能体层级树。
type Tree struct {
	root *Definition
	byID map[string]*Definition
}

// BuildTree 从声明列表构建层级树并做全量校验。
// 任何不一致（多个根、悬空引用、环、上下级不对称）都立即失败：
// 层级错误在运行期才暴露的代价远高于启动期拒绝。
func BuildTree(defs []Definition) (*Tree, error) {
	if len(defs) == 0 {
		return nil, types.NewError(types.ErrConfigInvalid, "agent tree requires at least one definition")
	}

	byID := make(map[string]*Definition, len(defs))
	var root *Definition
	for i := range defs {
		d := &defs[i]
		if d.ID == "" {
			return nil, types.NewError(types.ErrConfigInvalid, "agent definition has empty id")
		}
		if !d.Tier.Valid() {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("agent %q has unknown tier %q", d.ID, d.Tier))
		}
		if d.Model == "" {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("agent %q has no model", d.ID))
		}
		if d.Reasoning != "" && !d.Reasoning.Valid() {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("agent %q has unknown reasoning depth %q", d.ID, d.Reasoning))
		}
		if _, dup := byID[d.ID]; dup {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("duplicate agent id %q", d.ID))
		}
		byID[d.ID] = d
		if d.Tier == TierCoordinator {
			if root != nil {
				return nil, types.NewError(types.ErrConfigInvalid,
					fmt.Sprintf("multiple coordinators: %q and %q", root.ID, d.ID))
			}
			root = d
		}
	}
	if root == nil {
		return nil, types.NewError(types.ErrConfigInvalid, "agent tree has no coordinator")
	}
	if root.Superior != "" {
		return nil, types.NewError(types.ErrConfigInvalid,
			fmt.Sprintf("coordinator %q must not have a superior", root.ID))
	}

	// 上下级引用必须双向一致且无悬空
	for _, d := range byID {
		if d.Tier != TierCoordinator {
			sup, ok := byID[d.Superior]
			if !ok {
				return nil, types.NewError(types.ErrConfigInvalid,
					fmt.Sprintf("agent %q references unknown superior %q", d.ID, d.Superior))
			}
			if !contains(sup.Subordinates, d.ID) {
				return nil, types.NewError(types.ErrConfigInvalid,
					fmt.Sprintf("agent %q names %q as superior, but is not in its subordinate list", d.ID, sup.ID))
			}
		}
		for _, sub := range d.Subordinates {
			child, ok := byID[sub]
			if !ok {
				return nil, types.NewError(types.ErrConfigInvalid,
					fmt.Sprintf("agent %q references unknown subordinate %q", d.ID, sub))
			}
			if child.Superior != d.ID {
				return nil, types.NewError(types.ErrConfigInvalid,
					fmt.Sprintf("agent %q lists %q as subordinate, but its superior is %q", d.ID, sub, child.Superior))
			}
		}
		if d.Tier == TierSpecialist && len(d.Subordinates) > 0 {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("specialist %q must not have subordinates", d.ID))
		}
	}

	// 所有节点必须从根可达（可达性检查同时排除环）
	reached := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if reached[id] {
			return types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("agent hierarchy contains a cycle through %q", id))
		}
		reached[id] = true
		for _, sub := range byID[id].Subordinates {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root.ID); err != nil {
		return nil, err
	}
	for id := range byID {
		if !reached[id] {
			return nil, types.NewError(types.ErrConfigInvalid,
				fmt.Sprintf("agent %q is not reachable from the coordinator", id))
		}
	}

	return &Tree{root: root, byID: byID}, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Root 返回 coordinator。
func (t *Tree) Root() *Definition { return t.root }

// Get 按 ID 查找智能体。
func (t *Tree) Get(id string) (*Definition, bool) {
	d, ok := t.byID[id]
	return d, ok
}

// Subordinates 返回直接下级（声明序）。
func (t *Tree) Subordinates(id string) []*Definition {
	d, ok := t.byID[id]
	if !ok {
		return nil
	}
	out := make([]*Definition, 0, len(d.Subordinates))
	for _, sub := range d.Subordinates {
		out = append(out, t.byID[sub])
	}
	return out
}

// Managers 返回 coordinator 直接下级中的 manager。
func (t *Tree) Managers() []*Definition {
	var out []*Definition
	for _, d := range t.Subordinates(t.root.ID) {
		if d.Tier == TierManager {
			out = append(out, d)
		}
	}
	return out
}

// Size 返回树的节点数。
func (t *Tree) Size() int { return len(t.byID) }
