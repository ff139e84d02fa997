package workflow

import (
	"context"
)

// WorkflowRepo 实例和节点流水的存储
// Transaction 会把事务放在 ctx 里面，同一个 ctx 下的所有存储操作(包括定义、组织目录)共用一个事务
type WorkflowRepo interface {
	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	// UpdateWorkflowInstance Where.Version 不为空时是乐观锁更新，没有更新到数据返回 ErrConcurrentModification
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error

	CreateWorkflowProcess(ctx context.Context, process *WorkflowProcessPo) (*WorkflowProcessPo, error)
	QueryWorkflowProcess(ctx context.Context, param *QueryWorkflowProcessParams) ([]*WorkflowProcessPo, error)
	// UpdateWorkflowProcess Where.ActionIn 不为空时没有更新到数据返回 ErrConcurrentModification
	UpdateWorkflowProcess(ctx context.Context, param *UpdateWorkflowProcessParams) error

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	// Snapshot 一致性读，fn 里面的多次查询看到的是同一个时刻的数据
	Snapshot(ctx context.Context, fn func(ctx context.Context) error) error
}
