package tests

import (
	"context"
	"sync"
	"testing"

	"github.com/blingmoon/approval-workflow/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recorder 记录所有回写的状态
type recorder struct {
	mu          sync.Mutex
	transitions []*workflow.Transition
}

func (r *recorder) OnInstanceTransition(ctx context.Context, transition *workflow.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition)
	return nil
}

func (r *recorder) statuses() []workflow.InstanceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]workflow.InstanceStatus, 0, len(r.transitions))
	for _, t := range r.transitions {
		statuses = append(statuses, t.Status)
	}
	return statuses
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(workflow.AllModels()...))
	return db
}

type basicSuite struct {
	service     workflow.WorkflowService
	definitions workflow.DefinitionStore
	recorder    *recorder
}

// setupTestService 创建测试服务，业务类型 case 的状态变化记录到 recorder
func setupTestService(t *testing.T, directory workflow.StaticDirectory) *basicSuite {
	db := openDB(t)
	suite := &basicSuite{definitions: workflow.NewMemoryDefinitionStore(), recorder: &recorder{}}
	registry := workflow.NewSynchronizerRegistry()
	require.NoError(t, registry.Register("case", suite.recorder))
	suite.service = workflow.NewWorkflowService(workflow.NewWorkflowRepo(db), workflow.NewLocalWorkflowLock(), suite.definitions, directory, registry)
	return suite
}

func (s *basicSuite) saveDefinition(t *testing.T, code string, nodes ...*workflow.NodeTemplate) *workflow.WorkflowDefinition {
	t.Helper()
	for i, node := range nodes {
		node.Position = i
	}
	def, err := s.definitions.SaveDefinition(context.Background(), &workflow.WorkflowDefinition{
		Name: code, Code: code, Classifier: code, Enabled: true, Nodes: nodes,
	})
	require.NoError(t, err)
	return def
}

func auto(name string) *workflow.NodeTemplate {
	return &workflow.NodeTemplate{Name: name, Mode: workflow.NodeModeAuto, AssigneeRule: workflow.AssigneeRuleNone}
}

func manual(name string, assignees ...int64) *workflow.NodeTemplate {
	return &workflow.NodeTemplate{Name: name, Mode: workflow.NodeModeManual, AssigneeRule: workflow.AssigneeRuleFixedList, AssigneeIDs: assignees, Required: true}
}

// TestApprovalFlowBasic 提交 -> 初审 -> 复审 -> 归档
func TestApprovalFlowBasic(t *testing.T) {
	ctx := context.Background()
	suite := setupTestService(t, workflow.StaticDirectory{})
	def := suite.saveDefinition(t, "case_default", auto("提交"), manual("初审", 7), manual("复审", 9), auto("归档"))

	resp, err := suite.service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
		BusinessType: "case", BusinessID: 1001, Title: "商标立案", DefinitionID: def.ID, InitiatorID: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceStatusPending, resp.Status)
	assert.Equal(t, "初审", resp.CurrentNodeName)

	t.Run("不是当前处理人", func(t *testing.T) {
		_, err := suite.service.ActOnCurrentNode(ctx, &workflow.ActOnNodeReq{InstanceID: resp.InstanceID, ActorID: 9, Decision: workflow.DecisionApprove})
		require.ErrorIs(t, err, workflow.ErrNotAuthorized)
		detail, err := suite.service.GetInstance(ctx, resp.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, 1, detail.CurrentNodePosition)
	})

	t.Run("初审通过", func(t *testing.T) {
		act, err := suite.service.ActOnCurrentNode(ctx, &workflow.ActOnNodeReq{InstanceID: resp.InstanceID, ActorID: 7, Decision: workflow.DecisionApprove, Comment: "材料齐全"})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusPending, act.InstanceStatus)
		assert.Equal(t, 2, act.CurrentNodePosition)
		assert.Equal(t, "复审", act.CurrentNodeName)
	})

	t.Run("复审通过后完成", func(t *testing.T) {
		act, err := suite.service.ActOnCurrentNode(ctx, &workflow.ActOnNodeReq{InstanceID: resp.InstanceID, ActorID: 9, Decision: workflow.DecisionApprove})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCompleted, act.InstanceStatus)

		detail, err := suite.service.GetInstance(ctx, resp.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, 4, detail.CurrentNodePosition)
		require.Len(t, detail.History, 4)
		actions := make([]workflow.ProcessAction, 0, len(detail.History))
		for _, entry := range detail.History {
			actions = append(actions, entry.Action)
		}
		assert.Equal(t, []workflow.ProcessAction{
			workflow.ProcessActionSkipped, workflow.ProcessActionApproved, workflow.ProcessActionApproved, workflow.ProcessActionSkipped,
		}, actions)
		assert.Equal(t, "材料齐全", detail.History[1].Comment)
		assert.Equal(t, int64(7), detail.History[1].ProcessorID)
	})

	t.Run("只回写一次最终状态", func(t *testing.T) {
		assert.Equal(t, []workflow.InstanceStatus{workflow.InstanceStatusCompleted}, suite.recorder.statuses())
	})

	t.Run("结束后不能再处理", func(t *testing.T) {
		_, err := suite.service.ActOnCurrentNode(ctx, &workflow.ActOnNodeReq{InstanceID: resp.InstanceID, ActorID: 9, Decision: workflow.DecisionApprove})
		require.ErrorIs(t, err, workflow.ErrInstanceNotPending)
		err = suite.service.CancelInstance(ctx, &workflow.CancelInstanceReq{InstanceID: resp.InstanceID, ActorID: 1})
		require.ErrorIs(t, err, workflow.ErrInstanceNotPending)
	})

	t.Run("完成后可以重新发起", func(t *testing.T) {
		ok, err := suite.service.CanDeleteBusiness(ctx, "case", 1001)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = suite.service.StartWorkflow(ctx, &workflow.StartWorkflowReq{BusinessType: "case", BusinessID: 1001, DefinitionID: def.ID, InitiatorID: 1})
		require.NoError(t, err)
		ok, err = suite.service.CanDeleteBusiness(ctx, "case", 1001)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// TestRejectAndCancel 驳回和撤销都会结束流程
func TestRejectAndCancel(t *testing.T) {
	ctx := context.Background()
	suite := setupTestService(t, workflow.StaticDirectory{})
	def := suite.saveDefinition(t, "case_two_step", manual("初审", 7), manual("复审", 9))

	t.Run("驳回", func(t *testing.T) {
		resp, err := suite.service.StartWorkflow(ctx, &workflow.StartWorkflowReq{BusinessType: "case", BusinessID: 1, DefinitionID: def.ID, InitiatorID: 1})
		require.NoError(t, err)
		act, err := suite.service.ActOnCurrentNode(ctx, &workflow.ActOnNodeReq{InstanceID: resp.InstanceID, ActorID: 7, Decision: workflow.DecisionReject, Comment: "缺少委托书"})
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusRejected, act.InstanceStatus)
		assert.Equal(t, 0, act.CurrentNodePosition)

		detail, err := suite.service.GetInstance(ctx, resp.InstanceID)
		require.NoError(t, err)
		require.Len(t, detail.History, 1)
		assert.Equal(t, workflow.ProcessActionRejected, detail.History[0].Action)
	})

	t.Run("撤销", func(t *testing.T) {
		resp, err := suite.service.StartWorkflow(ctx, &workflow.StartWorkflowReq{BusinessType: "case", BusinessID: 2, DefinitionID: def.ID, InitiatorID: 1})
		require.NoError(t, err)
		require.NoError(t, suite.service.CancelInstance(ctx, &workflow.CancelInstanceReq{InstanceID: resp.InstanceID, ActorID: 1, Reason: "客户撤回"}))

		detail, err := suite.service.GetInstance(ctx, resp.InstanceID)
		require.NoError(t, err)
		assert.Equal(t, workflow.InstanceStatusCancelled, detail.Status)
		require.Len(t, detail.History, 1)
		assert.Equal(t, workflow.ProcessActionCancelled, detail.History[0].Action)

		tasks, err := suite.service.ListPendingTasks(ctx, 7, nil)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	assert.Equal(t, []workflow.InstanceStatus{workflow.InstanceStatusRejected, workflow.InstanceStatusCancelled}, suite.recorder.statuses())
}

// TestQueryAndCount 按业务查询实例
func TestQueryAndCount(t *testing.T) {
	ctx := context.Background()
	suite := setupTestService(t, workflow.StaticDirectory{})
	def := suite.saveDefinition(t, "case_one_step", manual("审核", 7))

	for id := int64(1); id <= 5; id++ {
		_, err := suite.service.StartWorkflow(ctx, &workflow.StartWorkflowReq{BusinessType: "case", BusinessID: id, DefinitionID: def.ID, InitiatorID: 1})
		require.NoError(t, err)
	}
	first, err := suite.service.QueryInstances(ctx, &workflow.QueryWorkflowInstanceParams{BusinessTypeIn: []string{"case"}, Page: &workflow.Pager{Page: 1, Size: 2}})
	require.NoError(t, err)
	require.Len(t, first, 2)

	_, err = suite.service.ActOnCurrentNode(ctx, &workflow.ActOnNodeReq{InstanceID: first[0].ID, ActorID: 7, Decision: workflow.DecisionApprove})
	require.NoError(t, err)

	pending, err := suite.service.CountInstances(ctx, &workflow.QueryWorkflowInstanceParams{StatusIn: []workflow.InstanceStatus{workflow.InstanceStatusPending}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), pending)

	tasks, err := suite.service.ListPendingTasks(ctx, 7, nil)
	require.NoError(t, err)
	assert.Len(t, tasks, 4)
}
