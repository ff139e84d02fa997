package workflow

import "context"

type WorkflowService interface {
	/**
	 * @description: 发起流程
	 *				 同一个业务对象同时只能有一个审批中的流程，重复发起返回 ErrDuplicateActiveWorkflow
	 *				 开头的自动节点直接跳过，停在第一个人工节点；全部是自动节点的直接完成并回写业务状态
	 * @param ctx context.Context
	 * @param req *StartWorkflowReq
	 * @return *StartWorkflowResp, error
	 */
	StartWorkflow(ctx context.Context, req *StartWorkflowReq) (*StartWorkflowResp, error)
	/**
	 * @description: 处理当前节点
	 *				 操作人必须在当前节点的处理人里面，否则返回 ErrNotAuthorized
	 *				 同一个实例同时只能有一个操作成功，其他的返回 ErrConcurrentModification
	 * @param ctx context.Context
	 * @param req *ActOnNodeReq
	 *				  req.Decision approve 通过后流转到下一个人工节点或者完成
	 *				  req.Decision reject 驳回，整个流程结束
	 * @return *ActOnNodeResp, error
	 */
	ActOnCurrentNode(ctx context.Context, req *ActOnNodeReq) (*ActOnNodeResp, error)
	/**
	 * @description: 撤销流程，只有审批中可以撤销，不校验处理人，调用方自己校验是否有撤销权限
	 * @param ctx context.Context
	 * @param req *CancelInstanceReq
	 * @return error
	 */
	CancelInstance(ctx context.Context, req *CancelInstanceReq) error
	/**
	 * @description: 转交当前节点，处理人集合里面用被转交人替换操作人
	 * @param ctx context.Context
	 * @param req *DelegateNodeReq
	 * @return error
	 */
	DelegateCurrentNode(ctx context.Context, req *DelegateNodeReq) error
	/**
	 * @description: 查询流程详情，包括每个节点的处理记录
	 * @param ctx context.Context
	 * @param instanceID int64
	 * @return *InstanceDetail, error
	 */
	GetInstance(ctx context.Context, instanceID int64) (*InstanceDetail, error)
	QueryInstances(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error)
	CountInstances(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
	/**
	 * @description: 查询某个人的待办
	 * @param ctx context.Context
	 * @param userID int64
	 * @param page *Pager 为空时返回全部
	 * @return []*PendingTask, error
	 */
	ListPendingTasks(ctx context.Context, userID int64, page *Pager) ([]*PendingTask, error)
	/**
	 * @description: 业务对象是否可以删除，有审批中的流程不能删除
	 */
	CanDeleteBusiness(ctx context.Context, businessType string, businessID int64) (bool, error)
	/**
	 * @description: 按业务分类查找启用的流程定义，找不到再按 fallbackCode 找
	 */
	FindActiveDefinition(ctx context.Context, classifier string, fallbackCode string) (*WorkflowDefinition, error)
	/**
	 * @description: 重新回写业务状态，用实例当前的状态重放一次 Transition，成功后清掉 sync_error
	 * @param ctx context.Context
	 * @param instanceID int64
	 * @return error 回写失败返回 ErrSynchronizerFailure
	 */
	ResyncBusinessStatus(ctx context.Context, instanceID int64) error
	/**
	 * @description: 对所有回写失败的实例重新回写，给定时任务使用
	 * @param ctx context.Context
	 * @param limit int 一次最多处理多少个
	 * @return int 成功的个数, error 失败的错误合并
	 */
	ResyncFailed(ctx context.Context, limit int) (int, error)
}

type StartWorkflowReq struct {
	BusinessType string  `json:"businessType" validate:"required,max=64"`
	BusinessID   int64   `json:"businessId" validate:"gt=0"`
	Title        string  `json:"title" validate:"max=255"`
	DefinitionID int64   `json:"definitionId" validate:"gt=0"`
	InitiatorID  int64   `json:"initiatorId" validate:"gt=0"`
	Assignees    []int64 `json:"assignees,omitempty" validate:"omitempty,dive,gt=0"`
	// Context 业务上下文，role 规则的 $引用 从这里取值
	Context map[string]any `json:"context,omitempty"`
}

type StartWorkflowResp struct {
	InstanceID      int64          `json:"instanceId"`
	Status          InstanceStatus `json:"status"`
	CurrentNodeName string         `json:"currentNodeName,omitempty"`
}

type ActOnNodeReq struct {
	InstanceID int64    `json:"instanceId" validate:"gt=0"`
	ActorID    int64    `json:"actorId" validate:"gt=0"`
	Decision   Decision `json:"decision" validate:"oneof=approve reject"`
	Comment    string   `json:"comment"`
}

type ActOnNodeResp struct {
	InstanceID          int64          `json:"instanceId"`
	InstanceStatus      InstanceStatus `json:"instanceStatus"`
	CurrentNodePosition int            `json:"currentNodePosition"`
	CurrentNodeName     string         `json:"currentNodeName,omitempty"`
}

type CancelInstanceReq struct {
	InstanceID int64  `json:"instanceId" validate:"gt=0"`
	ActorID    int64  `json:"actorId" validate:"gt=0"`
	Reason     string `json:"reason"`
}

type DelegateNodeReq struct {
	InstanceID int64  `json:"instanceId" validate:"gt=0"`
	ActorID    int64  `json:"actorId" validate:"gt=0"`
	DelegateID int64  `json:"delegateId" validate:"gt=0,nefield=ActorID"`
	// Comment 转交说明，记录在流水的 DelegationNote 上
	Comment string `json:"comment"`
}

type InstanceDetail struct {
	ID                  int64           `json:"id"`
	DefinitionID        int64           `json:"definitionId"`
	DefinitionCode      string          `json:"definitionCode"`
	BusinessType        string          `json:"businessType"`
	BusinessID          int64           `json:"businessId"`
	Title               string          `json:"title"`
	Status              InstanceStatus  `json:"status"`
	StatusText          string          `json:"statusText"`
	CurrentNodePosition int             `json:"currentNodePosition"`
	CurrentNodeName     string          `json:"currentNodeName,omitempty"`
	CurrentAssignees    []int64         `json:"currentAssignees,omitempty"`
	InitiatorID         int64           `json:"initiatorId"`
	SyncError           string          `json:"syncError,omitempty"`
	Context             map[string]any  `json:"context,omitempty"`
	History             []*HistoryEntry `json:"history"`
	CreatedAt           int64           `json:"createdAt"`
	UpdatedAt           int64           `json:"updatedAt"`
}

type HistoryEntry struct {
	Position       int           `json:"position"`
	Name           string        `json:"name"`
	Mode           NodeMode      `json:"mode"`
	Action         ProcessAction `json:"action"`
	ActionText     string        `json:"actionText"`
	Assignees      []int64       `json:"assignees"`
	ProcessorID    int64         `json:"processorId"`
	DelegatedBy    int64         `json:"delegatedBy,omitempty"`
	DelegationNote string        `json:"delegationNote,omitempty"`
	Comment        string        `json:"comment,omitempty"`
	ProcessedAt    int64         `json:"processedAt,omitempty"`
}

type PendingTask struct {
	InstanceID   int64   `json:"instanceId"`
	BusinessType string  `json:"businessType"`
	BusinessID   int64   `json:"businessId"`
	Title        string  `json:"title"`
	Position     int     `json:"position"`
	NodeName     string  `json:"nodeName"`
	Assignees    []int64 `json:"assignees"`
	// Deadline 根据节点时限算出来的，只做展示，0表示没有时限
	Deadline  int64 `json:"deadline,omitempty"`
	CreatedAt int64 `json:"createdAt"`
}
