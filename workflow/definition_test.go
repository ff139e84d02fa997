package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionValidate(t *testing.T) {
	build := func(nodes ...*NodeTemplate) *WorkflowDefinition {
		for i, node := range nodes {
			node.Position = i
		}
		return &WorkflowDefinition{Name: "立案审批", Code: "case_filing", Enabled: true, Nodes: nodes}
	}
	cases := []struct {
		name string
		def  *WorkflowDefinition
		ok   bool
	}{
		{name: "首尾自动节点", def: build(autoNode("受理"), manualNode("审核", 1), autoNode("归档")), ok: true},
		{name: "只有自动节点", def: build(autoNode("受理")), ok: true},
		{name: "没有节点", def: build()},
		{name: "自动节点在中间", def: build(manualNode("初审", 1), autoNode("受理"), manualNode("复审", 2))},
		{name: "固定处理人为空", def: build(manualNode("审核"))},
		{name: "角色没有编码", def: build(&NodeTemplate{Name: "部门审核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleRole})},
		{name: "必填节点不能没有规则", def: build(&NodeTemplate{Name: "审核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleNone, Required: true})},
		{name: "非必填节点可以没有规则", def: build(&NodeTemplate{Name: "审核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleNone}), ok: true},
		{name: "未知模式", def: build(&NodeTemplate{Name: "审核", Mode: "parallel"})},
		{name: "节点名称为空", def: build(manualNode("", 1))},
		{name: "没有编码", def: &WorkflowDefinition{Name: "x", Nodes: []*NodeTemplate{autoNode("受理")}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.def.Validate()
			if c.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrDefinitionInvalid)
		})
	}

	t.Run("位置不连续", func(t *testing.T) {
		def := build(manualNode("初审", 1), manualNode("复审", 2))
		def.Nodes[1].Position = 2
		require.ErrorIs(t, def.Validate(), ErrDefinitionInvalid)
	})
}

func TestDefinitionStores(t *testing.T) {
	stores := map[string]func(t *testing.T) DefinitionStore{
		"内存": func(t *testing.T) DefinitionStore { return NewMemoryDefinitionStore() },
		"数据库": func(t *testing.T) DefinitionStore { return NewGormDefinitionStore(newTestDB(t)) },
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			// 节点乱序保存，按 position 排好
			trademark, err := store.SaveDefinition(ctx, &WorkflowDefinition{
				Name: "商标立案", Code: "case_trademark", Classifier: "trademark", Enabled: true,
				Nodes: []*NodeTemplate{
					{Position: 1, Name: "复审", Mode: NodeModeManual, AssigneeRule: AssigneeRuleFixedList, AssigneeIDs: []int64{9}, Required: true},
					{Position: 0, Name: "初审", Mode: NodeModeManual, AssigneeRule: AssigneeRuleFixedList, AssigneeIDs: []int64{7}, Required: true},
				},
			})
			require.NoError(t, err)
			require.NotZero(t, trademark.ID)
			assert.Equal(t, "初审", trademark.Nodes[0].Name)

			fallback, err := store.SaveDefinition(ctx, &WorkflowDefinition{
				Name: "默认立案", Code: "case_default", Enabled: true,
				Nodes: []*NodeTemplate{{Name: "审核", Mode: NodeModeManual, AssigneeRule: AssigneeRuleFixedList, AssigneeIDs: []int64{1}, Required: true}},
			})
			require.NoError(t, err)

			_, err = store.SaveDefinition(ctx, &WorkflowDefinition{Name: "坏的", Code: "broken", Enabled: true})
			require.ErrorIs(t, err, ErrDefinitionInvalid)

			t.Run("按分类查找", func(t *testing.T) {
				def, err := store.FindActiveDefinition(ctx, "trademark", "case_default")
				require.NoError(t, err)
				assert.Equal(t, trademark.ID, def.ID)
			})
			t.Run("分类找不到用兜底编码", func(t *testing.T) {
				def, err := store.FindActiveDefinition(ctx, "patent", "case_default")
				require.NoError(t, err)
				assert.Equal(t, fallback.ID, def.ID)
			})
			t.Run("都找不到", func(t *testing.T) {
				_, err := store.FindActiveDefinition(ctx, "patent", "missing")
				require.ErrorIs(t, err, ErrDefinitionNotFound)
				_, err = store.GetDefinition(ctx, 999)
				require.ErrorIs(t, err, ErrDefinitionNotFound)
			})
			t.Run("停用之后找不到，按编码覆盖不新增", func(t *testing.T) {
				disabled := trademark.Clone()
				disabled.Enabled = false
				saved, err := store.SaveDefinition(ctx, disabled)
				require.NoError(t, err)
				assert.Equal(t, trademark.ID, saved.ID)

				def, err := store.FindActiveDefinition(ctx, "trademark", "case_default")
				require.NoError(t, err)
				assert.Equal(t, fallback.ID, def.ID)

				defs, err := store.ListDefinitions(ctx)
				require.NoError(t, err)
				require.Len(t, defs, 2)
				assert.Equal(t, "case_trademark", defs[0].Code)
			})
			t.Run("返回的是拷贝", func(t *testing.T) {
				def, err := store.GetDefinition(ctx, fallback.ID)
				require.NoError(t, err)
				def.Nodes[0].AssigneeIDs[0] = 100
				again, err := store.GetDefinition(ctx, fallback.ID)
				require.NoError(t, err)
				assert.Equal(t, []int64{1}, again.Nodes[0].AssigneeIDs)
			})
		})
	}
}

func TestSnapshotNodes(t *testing.T) {
	def := &WorkflowDefinition{Nodes: []*NodeTemplate{manualNode("审核", 1, 2)}}
	nodes := def.snapshotNodes()
	def.Nodes[0].AssigneeIDs[0] = 3
	def.Nodes[0].Name = "改名"
	assert.Equal(t, "审核", nodes[0].Name)
	assert.Equal(t, []int64{1, 2}, nodes[0].AssigneeIDs)
}
