package workflow

import "github.com/pkg/errors"

var (
	ErrDefinitionNotFound       = errors.New("workflow definition not found")
	ErrDefinitionInvalid        = errors.New("workflow definition invalid")
	ErrWorkflowInstanceNotFound = errors.New("workflow instance not found")
	ErrWorkflowParamInvalid     = errors.New("workflow param invalid")
	// 下面几个错误是业务可预期的错误，调用方一般直接返回给用户
	// ErrDuplicateActiveWorkflow: 同一个业务对象已经有进行中的流程
	ErrDuplicateActiveWorkflow = errors.New("workflow already pending for business")
	// ErrAssigneeRequired: 必填的人工节点没有解析出处理人
	ErrAssigneeRequired = errors.New("assignee required")
	// ErrNotAuthorized: 操作人不在当前节点的处理人集合里面
	ErrNotAuthorized = errors.New("actor not authorized for current node")
	// ErrInstanceNotPending: 流程已经结束(完成/驳回/取消)
	ErrInstanceNotPending = errors.New("workflow instance not pending")
	// ErrConcurrentModification: 并发操作同一个实例，输掉的一方拿到这个错误，可以重新读取后重试
	ErrConcurrentModification = errors.New("workflow instance concurrently modified")

	// ErrSynchronizerFailure: 回写业务状态失败，不会回滚流程状态，实例上会记录sync_error
	ErrSynchronizerFailure = errors.New("business status synchronizer failure")
	// 下面两个是严重错误，出现了说明有bug或者数据被人改过，需要人工介入
	ErrLedgerCorrupted   = errors.New("workflow ledger corrupted")
	ErrIllegalTransition = errors.New("illegal workflow transition")
)

// InstanceStatus 流程实例状态
type InstanceStatus string

const (
	// instanceStatusNone 实例还没有创建，只在状态机里面使用
	instanceStatusNone      InstanceStatus = ""
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusRejected  InstanceStatus = "rejected"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusRejected || s == InstanceStatusCancelled
}

func (s InstanceStatus) Valid() bool {
	return s == InstanceStatusPending || s.IsTerminal()
}

func (s InstanceStatus) Text() string {
	switch s {
	case InstanceStatusPending:
		return "审批中"
	case InstanceStatusCompleted:
		return "已通过"
	case InstanceStatusRejected:
		return "已驳回"
	case InstanceStatusCancelled:
		return "已撤销"
	}
	return "未知"
}

type instanceEvent string

const (
	instanceEventStart    instanceEvent = "start"
	instanceEventAdvance  instanceEvent = "advance"
	instanceEventComplete instanceEvent = "complete"
	instanceEventReject   instanceEvent = "reject"
	instanceEventCancel   instanceEvent = "cancel"
)

// instanceTransitions 实例状态只能通过这张表迁移，终止状态没有出边
var instanceTransitions = map[InstanceStatus]map[instanceEvent]InstanceStatus{
	instanceStatusNone: {
		instanceEventStart: InstanceStatusPending,
	},
	InstanceStatusPending: {
		instanceEventAdvance:  InstanceStatusPending,
		instanceEventComplete: InstanceStatusCompleted,
		instanceEventReject:   InstanceStatusRejected,
		instanceEventCancel:   InstanceStatusCancelled,
	},
}

func nextInstanceStatus(from InstanceStatus, event instanceEvent) (InstanceStatus, error) {
	to, ok := instanceTransitions[from][event]
	if ok {
		return to, nil
	}
	if from.IsTerminal() {
		return from, errors.WithMessagef(ErrInstanceNotPending, "status: %s, event: %s", from, event)
	}
	return from, errors.WithMessagef(ErrIllegalTransition, "instance status: %s, event: %s", from, event)
}

// ProcessAction 节点流水的动作，pending 之外都是终止状态，终止后不再修改
type ProcessAction string

const (
	ProcessActionPending   ProcessAction = "pending"
	ProcessActionApproved  ProcessAction = "approved"
	ProcessActionRejected  ProcessAction = "rejected"
	ProcessActionSkipped   ProcessAction = "skipped"
	ProcessActionCancelled ProcessAction = "cancelled"
)

func (a ProcessAction) IsTerminal() bool {
	return a == ProcessActionApproved || a == ProcessActionRejected || a == ProcessActionSkipped || a == ProcessActionCancelled
}

// IsPassed 节点是否已经放行(通过或者系统跳过)
func (a ProcessAction) IsPassed() bool {
	return a == ProcessActionApproved || a == ProcessActionSkipped
}

func (a ProcessAction) Text() string {
	switch a {
	case ProcessActionPending:
		return "待处理"
	case ProcessActionApproved:
		return "通过"
	case ProcessActionRejected:
		return "驳回"
	case ProcessActionSkipped:
		return "跳过"
	case ProcessActionCancelled:
		return "撤销"
	}
	return "未知"
}

// Decision 人工节点的处理结果
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type processEvent string

const (
	processEventApprove processEvent = "approve"
	processEventReject  processEvent = "reject"
	processEventSkip    processEvent = "skip"
	processEventCancel  processEvent = "cancel"
)

var processTransitions = map[ProcessAction]map[processEvent]ProcessAction{
	ProcessActionPending: {
		processEventApprove: ProcessActionApproved,
		processEventReject:  ProcessActionRejected,
		processEventSkip:    ProcessActionSkipped,
		processEventCancel:  ProcessActionCancelled,
	},
}

func nextProcessAction(from ProcessAction, event processEvent) (ProcessAction, error) {
	to, ok := processTransitions[from][event]
	if !ok {
		return from, errors.WithMessagef(ErrIllegalTransition, "process action: %s, event: %s", from, event)
	}
	return to, nil
}

// IsUserError 调用方的问题(参数、权限、状态、并发冲突)，接口层一般映射成4xx
func IsUserError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrDefinitionInvalid) ||
		errors.Is(err, ErrWorkflowInstanceNotFound) ||
		errors.Is(err, ErrWorkflowParamInvalid) ||
		errors.Is(err, ErrDuplicateActiveWorkflow) ||
		errors.Is(err, ErrAssigneeRequired) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrInstanceNotPending) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsSeriousError 严重错误，需要人工介入处理，打error级别日志
// 1. 流水和实例对不上，或者出现了状态表之外的迁移
// 2. 存储层错误等无法归类的错误
// 业务状态回写失败不算严重错误，会记录在实例上，由 ResyncFailed 补偿
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLedgerCorrupted) || errors.Is(err, ErrIllegalTransition) {
		return true
	}
	if IsUserError(err) || errors.Is(err, ErrSynchronizerFailure) {
		return false
	}
	return true
}
