package workflow

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextInstanceStatus(t *testing.T) {
	cases := []struct {
		name    string
		from    InstanceStatus
		event   instanceEvent
		want    InstanceStatus
		wantErr error
	}{
		{name: "发起", from: instanceStatusNone, event: instanceEventStart, want: InstanceStatusPending},
		{name: "流转", from: InstanceStatusPending, event: instanceEventAdvance, want: InstanceStatusPending},
		{name: "完成", from: InstanceStatusPending, event: instanceEventComplete, want: InstanceStatusCompleted},
		{name: "驳回", from: InstanceStatusPending, event: instanceEventReject, want: InstanceStatusRejected},
		{name: "撤销", from: InstanceStatusPending, event: instanceEventCancel, want: InstanceStatusCancelled},
		{name: "重复发起", from: InstanceStatusPending, event: instanceEventStart, wantErr: ErrIllegalTransition},
		{name: "完成之后驳回", from: InstanceStatusCompleted, event: instanceEventReject, wantErr: ErrInstanceNotPending},
		{name: "驳回之后流转", from: InstanceStatusRejected, event: instanceEventAdvance, wantErr: ErrInstanceNotPending},
		{name: "撤销之后完成", from: InstanceStatusCancelled, event: instanceEventComplete, wantErr: ErrInstanceNotPending},
		{name: "未创建直接完成", from: instanceStatusNone, event: instanceEventComplete, wantErr: ErrIllegalTransition},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := nextInstanceStatus(c.from, c.event)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
				assert.Equal(t, c.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestNextProcessAction(t *testing.T) {
	t.Run("pending 可以到任意终止状态", func(t *testing.T) {
		for event, want := range map[processEvent]ProcessAction{
			processEventApprove: ProcessActionApproved,
			processEventReject:  ProcessActionRejected,
			processEventSkip:    ProcessActionSkipped,
			processEventCancel:  ProcessActionCancelled,
		} {
			got, err := nextProcessAction(ProcessActionPending, event)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.True(t, got.IsTerminal())
		}
	})
	t.Run("终止状态不能再变", func(t *testing.T) {
		for _, from := range []ProcessAction{ProcessActionApproved, ProcessActionRejected, ProcessActionSkipped, ProcessActionCancelled} {
			_, err := nextProcessAction(from, processEventApprove)
			require.ErrorIs(t, err, ErrIllegalTransition)
		}
	})
}

func TestStatusHelpers(t *testing.T) {
	assert.False(t, InstanceStatusPending.IsTerminal())
	assert.True(t, InstanceStatusCancelled.IsTerminal())
	assert.False(t, instanceStatusNone.Valid())
	assert.False(t, InstanceStatus("archived").Valid())
	assert.Equal(t, "已驳回", InstanceStatusRejected.Text())
	assert.Equal(t, "未知", InstanceStatus("archived").Text())

	assert.True(t, ProcessActionSkipped.IsPassed())
	assert.False(t, ProcessActionRejected.IsPassed())
	assert.False(t, ProcessActionPending.IsTerminal())
	assert.Equal(t, "跳过", ProcessActionSkipped.Text())
}

func TestErrorClassification(t *testing.T) {
	wrapped := func(err error) error { return errors.WithMessage(err, "outer") }

	for _, err := range []error{ErrNotAuthorized, ErrInstanceNotPending, ErrConcurrentModification, ErrDuplicateActiveWorkflow, ErrAssigneeRequired} {
		assert.True(t, IsUserError(wrapped(err)), err.Error())
		assert.False(t, IsSeriousError(wrapped(err)), err.Error())
	}
	assert.True(t, IsSeriousError(wrapped(ErrLedgerCorrupted)))
	assert.True(t, IsSeriousError(wrapped(ErrIllegalTransition)))
	assert.True(t, IsSeriousError(errors.New("disk full")))
	assert.False(t, IsSeriousError(wrapped(ErrSynchronizerFailure)))
	assert.False(t, IsUserError(wrapped(ErrSynchronizerFailure)))
	assert.False(t, IsUserError(nil))
	assert.False(t, IsSeriousError(nil))
}
