package workflow

import (
	"context"
	"slices"

	"github.com/pkg/errors"
)

// Directory 组织目录，role 规则按组织单元(角色/部门)编码查在职的人
type Directory interface {
	ActiveUsers(ctx context.Context, unitCode string) ([]int64, error)
}

// StaticDirectory 固定的组织目录，测试和没有组织表的场景使用
type StaticDirectory map[string][]int64

func (d StaticDirectory) ActiveUsers(ctx context.Context, unitCode string) ([]int64, error) {
	return slices.Clone(d[unitCode]), nil
}

type AssigneeResolver interface {
	// Resolve 解析人工节点的处理人，自动节点不会调用
	// 必填节点解析出空集合返回 ErrAssigneeRequired，非必填节点返回空集合，由引擎跳过
	Resolve(ctx context.Context, node *NodeTemplate, bizCtx *BusinessContext, callerAssignees []int64) ([]int64, error)
}

func NewAssigneeResolver(directory Directory) AssigneeResolver {
	return &assigneeResolver{directory: directory}
}

type assigneeResolver struct {
	directory Directory
}

func (r *assigneeResolver) Resolve(ctx context.Context, node *NodeTemplate, bizCtx *BusinessContext, callerAssignees []int64) ([]int64, error) {
	if node == nil {
		return nil, errors.New("nil node")
	}
	if node.Mode != NodeModeManual {
		return nil, errors.WithMessagef(ErrIllegalTransition, "node %s mode %s has no assignees", node.Name, node.Mode)
	}
	var assignees []int64
	switch node.AssigneeRule {
	case AssigneeRuleFixedList:
		assignees = node.AssigneeIDs
	case AssigneeRuleRole:
		unitCode, ok := bizCtx.Lookup(node.RoleCode)
		if ok {
			if r.directory == nil {
				return nil, errors.Errorf("node %s uses role rule but no directory configured", node.Name)
			}
			users, err := r.directory.ActiveUsers(ctx, unitCode)
			if err != nil {
				return nil, errors.WithMessagef(err, "resolve role %s of node %s failed", unitCode, node.Name)
			}
			assignees = users
		}
	case AssigneeRuleInitiatorSelected:
		assignees = callerAssignees
	case AssigneeRuleNone:
	default:
		return nil, errors.WithMessagef(ErrDefinitionInvalid, "node %s unknown assignee rule %q", node.Name, node.AssigneeRule)
	}
	assignees = uniqueIDs(assignees)
	if len(assignees) == 0 && node.Required {
		return nil, errors.WithMessagef(ErrAssigneeRequired, "node %s rule %s", node.Name, node.AssigneeRule)
	}
	return assignees, nil
}

// uniqueIDs 去重，去掉非法id，保持顺序
func uniqueIDs(ids []int64) []int64 {
	ret := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ret = append(ret, id)
	}
	return ret
}
