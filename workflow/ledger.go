package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Ledger 节点执行流水，每个实例按 position 从0开始连续追加，
// 只有 pending 的流水可以原地更新，处理过的流水不再变化
type Ledger struct {
	repo WorkflowRepo
}

func NewLedger(repo WorkflowRepo) *Ledger {
	return &Ledger{repo: repo}
}

func noLimitPager() *Pager {
	noLimit := true
	return &Pager{IsNoLimit: &noLimit}
}

// CurrentPendingEntry 当前待处理的流水，没有返回 nil，多于一条返回 ErrLedgerCorrupted
func (l *Ledger) CurrentPendingEntry(ctx context.Context, instanceID int64) (*WorkflowProcess, error) {
	pos, err := l.repo.QueryWorkflowProcess(ctx, &QueryWorkflowProcessParams{
		WorkflowInstanceID: &instanceID,
		ActionIn:           []ProcessAction{ProcessActionPending},
		Page:               noLimitPager(),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "query pending process of instance %d failed", instanceID)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	if len(pos) > 1 {
		return nil, errors.WithMessagef(ErrLedgerCorrupted, "instance %d has %d pending entries", instanceID, len(pos))
	}
	return fromWorkflowProcessPo(pos[0])
}

// History 按 position 升序返回全部流水
func (l *Ledger) History(ctx context.Context, instanceID int64) ([]*WorkflowProcess, error) {
	asc := true
	pos, err := l.repo.QueryWorkflowProcess(ctx, &QueryWorkflowProcessParams{
		WorkflowInstanceID: &instanceID,
		OrderbyPositionAsc: &asc,
		Page:               noLimitPager(),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "query history of instance %d failed", instanceID)
	}
	history := make([]*WorkflowProcess, 0, len(pos))
	for _, po := range pos {
		process, err := fromWorkflowProcessPo(po)
		if err != nil {
			return nil, err
		}
		history = append(history, process)
	}
	return history, nil
}

func (l *Ledger) append(ctx context.Context, entry *WorkflowProcess) (*WorkflowProcess, error) {
	entry.CreatedAt = time.Now().Unix()
	if entry.Action.IsTerminal() && entry.ProcessedAt == 0 {
		entry.ProcessedAt = entry.CreatedAt
	}
	po, err := toWorkflowProcessPo(entry)
	if err != nil {
		return nil, err
	}
	po, err = l.repo.CreateWorkflowProcess(ctx, po)
	if err != nil {
		return nil, errors.WithMessagef(err, "append process of instance %d position %d failed", entry.InstanceID, entry.Position)
	}
	entry.ID = po.ID
	return entry, nil
}

// processUpdate 更新 pending 流水的内容，Assignees 为 nil 表示不修改
// DelegatedBy 不为0时表示转交，同时写入 DelegationNote
type processUpdate struct {
	Action         ProcessAction
	ProcessorID    int64
	Comment        string
	Assignees      []int64
	DelegatedBy    int64
	DelegationNote string
}

// updateInPlace 只能更新 pending 的流水，已经被别人处理过返回 ErrConcurrentModification
func (l *Ledger) updateInPlace(ctx context.Context, entry *WorkflowProcess, update *processUpdate) error {
	if entry.Action != ProcessActionPending {
		return errors.WithMessagef(ErrIllegalTransition, "process %d already %s", entry.ID, entry.Action)
	}
	fields := &UpdateWorkflowProcessField{}
	if update.Action != ProcessActionPending {
		processedAt := time.Now().Unix()
		processorID := update.ProcessorID
		comment := update.Comment
		fields.Action = &update.Action
		fields.ProcessorID = &processorID
		fields.Comment = &comment
		fields.ProcessedAt = &processedAt
		entry.ProcessedAt = processedAt
		entry.ProcessorID = processorID
		entry.Comment = comment
	}
	if update.Assignees != nil {
		fields.Assignees = update.Assignees
		entry.Assignees = update.Assignees
	}
	if update.DelegatedBy != 0 {
		delegatedBy := update.DelegatedBy
		note := update.DelegationNote
		fields.DelegatedBy = &delegatedBy
		fields.DelegationNote = &note
		entry.DelegatedBy = delegatedBy
		entry.DelegationNote = note
	}
	err := l.repo.UpdateWorkflowProcess(ctx, &UpdateWorkflowProcessParams{
		Where: &UpdateWorkflowProcessWhere{
			IDIn:     []int64{entry.ID},
			ActionIn: []ProcessAction{ProcessActionPending},
		},
		Fields: fields,
	})
	if err != nil {
		return errors.WithMessagef(err, "update process %d failed", entry.ID)
	}
	entry.Action = update.Action
	return nil
}

// checkLedgerInvariants 校验流水和实例是否对得上:
// position 从0开始连续，已经放行的节点在当前节点之前，
// 审批中的实例恰好有一条 pending 流水并且在当前位置
func checkLedgerInvariants(instance *WorkflowInstance, history []*WorkflowProcess) error {
	for i, entry := range history {
		if entry.Position != i {
			return errors.WithMessagef(ErrLedgerCorrupted, "instance %d expect position %d, got %d", instance.ID, i, entry.Position)
		}
		if entry.Position >= len(instance.Nodes) {
			return errors.WithMessagef(ErrLedgerCorrupted, "instance %d position %d out of %d nodes", instance.ID, entry.Position, len(instance.Nodes))
		}
		if i < len(history)-1 && !entry.Action.IsPassed() {
			return errors.WithMessagef(ErrLedgerCorrupted, "instance %d position %d is %s but not last", instance.ID, i, entry.Action)
		}
	}
	var last *WorkflowProcess
	if len(history) > 0 {
		last = history[len(history)-1]
	}
	switch instance.Status {
	case InstanceStatusPending:
		if last == nil || last.Action != ProcessActionPending || last.Position != instance.CurrentPosition {
			return errors.WithMessagef(ErrLedgerCorrupted, "pending instance %d has no pending entry at position %d", instance.ID, instance.CurrentPosition)
		}
	case InstanceStatusCompleted:
		if last == nil || len(history) != len(instance.Nodes) || !last.Action.IsPassed() {
			return errors.WithMessagef(ErrLedgerCorrupted, "completed instance %d has %d entries for %d nodes", instance.ID, len(history), len(instance.Nodes))
		}
	case InstanceStatusRejected:
		if last == nil || last.Action != ProcessActionRejected {
			return errors.WithMessagef(ErrLedgerCorrupted, "rejected instance %d last entry is not rejected", instance.ID)
		}
	case InstanceStatusCancelled:
		if last == nil || last.Action != ProcessActionCancelled {
			return errors.WithMessagef(ErrLedgerCorrupted, "cancelled instance %d last entry is not cancelled", instance.ID)
		}
	default:
		return errors.WithMessagef(ErrIllegalTransition, "instance %d unknown status %q", instance.ID, instance.Status)
	}
	return nil
}
