package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLedgerInvariants(t *testing.T) {
	nodes := []NodeTemplate{{Name: "受理"}, {Name: "初审"}, {Name: "复审"}}
	entry := func(position int, action ProcessAction) *WorkflowProcess {
		return &WorkflowProcess{Position: position, Action: action}
	}
	cases := []struct {
		name     string
		status   InstanceStatus
		position int
		history  []*WorkflowProcess
		wantErr  error
	}{
		{name: "审批中", status: InstanceStatusPending, position: 1,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionPending)}},
		{name: "审批中缺少待办", status: InstanceStatusPending, position: 1,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped)}, wantErr: ErrLedgerCorrupted},
		{name: "待办位置和实例不一致", status: InstanceStatusPending, position: 2,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionPending)}, wantErr: ErrLedgerCorrupted},
		{name: "位置有空洞", status: InstanceStatusPending, position: 2,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(2, ProcessActionPending)}, wantErr: ErrLedgerCorrupted},
		{name: "中间节点没有放行", status: InstanceStatusPending, position: 2,
			history: []*WorkflowProcess{entry(0, ProcessActionRejected), entry(1, ProcessActionApproved), entry(2, ProcessActionPending)}, wantErr: ErrLedgerCorrupted},
		{name: "完成", status: InstanceStatusCompleted, position: 3,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionApproved), entry(2, ProcessActionApproved)}},
		{name: "完成但是流水不全", status: InstanceStatusCompleted, position: 3,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionApproved)}, wantErr: ErrLedgerCorrupted},
		{name: "驳回", status: InstanceStatusRejected, position: 1,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionRejected)}},
		{name: "驳回但是最后一条通过", status: InstanceStatusRejected, position: 1,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionApproved)}, wantErr: ErrLedgerCorrupted},
		{name: "撤销", status: InstanceStatusCancelled, position: 1,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionCancelled)}},
		{name: "流水超出节点", status: InstanceStatusCompleted, position: 3,
			history: []*WorkflowProcess{entry(0, ProcessActionSkipped), entry(1, ProcessActionApproved), entry(2, ProcessActionApproved), entry(3, ProcessActionApproved)}, wantErr: ErrLedgerCorrupted},
		{name: "未知状态", status: InstanceStatus("archived"), position: 0,
			history: []*WorkflowProcess{}, wantErr: ErrIllegalTransition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			instance := &WorkflowInstance{ID: 1, Nodes: nodes, Status: c.status, CurrentPosition: c.position}
			err := checkLedgerInvariants(instance, c.history)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLedger(t *testing.T) {
	ctx := context.Background()
	repo := NewWorkflowRepo(newTestDB(t))
	ledger := NewLedger(repo)
	const instanceID = int64(1)

	skipped, err := ledger.append(ctx, &WorkflowProcess{InstanceID: instanceID, Position: 0, NodeName: "受理", NodeMode: NodeModeAuto, Action: ProcessActionSkipped})
	require.NoError(t, err)
	assert.NotZero(t, skipped.ProcessedAt)

	pending, err := ledger.append(ctx, &WorkflowProcess{InstanceID: instanceID, Position: 1, NodeName: "审核", NodeMode: NodeModeManual, Assignees: []int64{7}, Action: ProcessActionPending})
	require.NoError(t, err)
	assert.Zero(t, pending.ProcessedAt)

	t.Run("同一个位置不能追加两次", func(t *testing.T) {
		_, err := ledger.append(ctx, &WorkflowProcess{InstanceID: instanceID, Position: 1, NodeName: "审核", Action: ProcessActionPending})
		require.ErrorIs(t, err, ErrConcurrentModification)
	})

	t.Run("当前待办", func(t *testing.T) {
		current, err := ledger.CurrentPendingEntry(ctx, instanceID)
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, pending.ID, current.ID)
		assert.Equal(t, []int64{7}, current.Assignees)
	})

	t.Run("处理之后不能再改", func(t *testing.T) {
		stale := *pending
		require.NoError(t, ledger.updateInPlace(ctx, pending, &processUpdate{Action: ProcessActionApproved, ProcessorID: 7, Comment: "同意"}))
		assert.Equal(t, ProcessActionApproved, pending.Action)
		assert.NotZero(t, pending.ProcessedAt)

		// 内存里面还是 pending 的旧对象，数据库的条件会拦住
		err := ledger.updateInPlace(ctx, &stale, &processUpdate{Action: ProcessActionRejected, ProcessorID: 7})
		require.ErrorIs(t, err, ErrConcurrentModification)

		err = ledger.updateInPlace(ctx, pending, &processUpdate{Action: ProcessActionRejected, ProcessorID: 7})
		require.ErrorIs(t, err, ErrIllegalTransition)

		current, err := ledger.CurrentPendingEntry(ctx, instanceID)
		require.NoError(t, err)
		assert.Nil(t, current)
	})

	t.Run("历史按位置排序", func(t *testing.T) {
		history, err := ledger.History(ctx, instanceID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 0, history[0].Position)
		assert.Equal(t, ProcessActionApproved, history[1].Action)
		assert.Equal(t, "同意", history[1].Comment)
		assert.Equal(t, int64(7), history[1].ProcessorID)
	})

	t.Run("多条待办是数据损坏", func(t *testing.T) {
		for position := 0; position < 2; position++ {
			_, err := ledger.append(ctx, &WorkflowProcess{InstanceID: 2, Position: position, NodeName: "审核", Action: ProcessActionPending})
			require.NoError(t, err)
		}
		_, err := ledger.CurrentPendingEntry(ctx, 2)
		require.ErrorIs(t, err, ErrLedgerCorrupted)
		assert.True(t, IsSeriousError(err))
	})
}
