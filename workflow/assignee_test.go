package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssigneeResolver(t *testing.T) {
	ctx := context.Background()
	resolver := NewAssigneeResolver(StaticDirectory{
		"trademark": {5, 6},
		"reviewer":  {8},
	})
	bizCtx := NewBusinessContextFromMap(map[string]any{"department": "trademark"})

	t.Run("固定处理人去重", func(t *testing.T) {
		got, err := resolver.Resolve(ctx, manualNode("审核", 3, 3, 4), bizCtx, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 4}, got)
	})
	t.Run("角色编码直接使用", func(t *testing.T) {
		node := &NodeTemplate{Name: "复核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleRole, RoleCode: "reviewer", Required: true}
		got, err := resolver.Resolve(ctx, node, bizCtx, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{8}, got)
	})
	t.Run("角色编码从业务上下文取", func(t *testing.T) {
		node := &NodeTemplate{Name: "部门审核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleRole, RoleCode: "$department", Required: true}
		got, err := resolver.Resolve(ctx, node, bizCtx, nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 6}, got)
	})
	t.Run("上下文里面没有引用的字段", func(t *testing.T) {
		node := &NodeTemplate{Name: "部门审核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleRole, RoleCode: "$team", Required: true}
		_, err := resolver.Resolve(ctx, node, bizCtx, nil)
		require.ErrorIs(t, err, ErrAssigneeRequired)

		node.Required = false
		got, err := resolver.Resolve(ctx, node, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
	t.Run("发起人指定", func(t *testing.T) {
		node := &NodeTemplate{Name: "指定", Mode: NodeModeManual, AssigneeRule: AssigneeRuleInitiatorSelected, Required: true}
		got, err := resolver.Resolve(ctx, node, bizCtx, []int64{0, 12, 11, 12})
		require.NoError(t, err)
		assert.Equal(t, []int64{12, 11}, got)

		_, err = resolver.Resolve(ctx, node, bizCtx, nil)
		require.ErrorIs(t, err, ErrAssigneeRequired)
	})
	t.Run("没有规则", func(t *testing.T) {
		node := &NodeTemplate{Name: "可选", Mode: NodeModeManual, AssigneeRule: AssigneeRuleNone}
		got, err := resolver.Resolve(ctx, node, bizCtx, []int64{1})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
	t.Run("自动节点不解析", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, autoNode("受理"), bizCtx, nil)
		require.ErrorIs(t, err, ErrIllegalTransition)
	})
}

func TestGormDirectory(t *testing.T) {
	ctx := context.Background()
	directory := NewGormDirectory(newTestDB(t))

	require.NoError(t, directory.SetMember(ctx, "patent", 30, true))
	require.NoError(t, directory.SetMember(ctx, "patent", 20, true))
	require.NoError(t, directory.SetMember(ctx, "patent", 40, true))
	require.NoError(t, directory.SetMember(ctx, "trademark", 50, true))
	require.ErrorIs(t, directory.SetMember(ctx, "", 1, true), ErrWorkflowParamInvalid)

	users, err := directory.ActiveUsers(ctx, "patent")
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 30, 40}, users)

	t.Run("离职之后不再解析到", func(t *testing.T) {
		require.NoError(t, directory.SetMember(ctx, "patent", 30, false))
		users, err := directory.ActiveUsers(ctx, "patent")
		require.NoError(t, err)
		assert.Equal(t, []int64{20, 40}, users)
	})

	t.Run("和解析器一起使用", func(t *testing.T) {
		resolver := NewAssigneeResolver(directory)
		node := &NodeTemplate{Name: "部门审核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleRole, RoleCode: "$unit", Required: true}
		got, err := resolver.Resolve(ctx, node, NewBusinessContextFromMap(map[string]any{"unit": "trademark"}), nil)
		require.NoError(t, err)
		assert.Equal(t, []int64{50}, got)
	})
}
