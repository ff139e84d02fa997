package commonregister

import (
	"github.com/blingmoon/approval-workflow/workflow"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// 业务类型
const (
	BusinessTypeCaseFiling     = "case_filing"
	BusinessTypeContractReview = "contract_review"
	BusinessTypeInvoiceRequest = "invoice_request"
	BusinessTypeProofreading   = "proofreading"
)

// BusinessTable 业务表的状态字段和状态映射
type BusinessTable struct {
	BusinessType string
	Table        string
	IDColumn     string
	StatusColumn string
	Mapping      workflow.StatusMapping
	// ProgressUpdates 流转到新的人工节点时也回写
	ProgressUpdates bool
}

// DefaultBusinessTables 代理所的几类审批，案件和校对需要展示审批进度
func DefaultBusinessTables() []BusinessTable {
	return []BusinessTable{
		{
			BusinessType: BusinessTypeCaseFiling,
			Table:        "ip_case",
			IDColumn:     "id",
			StatusColumn: "filing_status",
			Mapping: workflow.StatusMapping{
				workflow.InstanceStatusPending:   "under_review",
				workflow.InstanceStatusCompleted: "filed",
				workflow.InstanceStatusRejected:  "rejected",
				workflow.InstanceStatusCancelled: "withdrawn",
			},
			ProgressUpdates: true,
		},
		{
			BusinessType: BusinessTypeContractReview,
			Table:        "contract",
			IDColumn:     "id",
			StatusColumn: "review_status",
			Mapping: workflow.StatusMapping{
				workflow.InstanceStatusCompleted: "approved",
				workflow.InstanceStatusRejected:  "rejected",
				workflow.InstanceStatusCancelled: "draft",
			},
		},
		{
			BusinessType: BusinessTypeInvoiceRequest,
			Table:        "invoice_request",
			IDColumn:     "id",
			StatusColumn: "status",
			Mapping: workflow.StatusMapping{
				workflow.InstanceStatusCompleted: "to_issue",
				workflow.InstanceStatusRejected:  "rejected",
				workflow.InstanceStatusCancelled: "cancelled",
			},
		},
		{
			BusinessType: BusinessTypeProofreading,
			Table:        "proofreading_task",
			IDColumn:     "id",
			StatusColumn: "status",
			Mapping: workflow.StatusMapping{
				workflow.InstanceStatusPending:   "proofreading",
				workflow.InstanceStatusCompleted: "finalized",
				workflow.InstanceStatusRejected:  "returned",
				workflow.InstanceStatusCancelled: "cancelled",
			},
			ProgressUpdates: true,
		},
	}
}

// RegisterBusinessSynchronizers 每个业务类型注册一个写业务表的同步器，
// extra 不为空时和它串起来，例如再发一条状态变化事件
func RegisterBusinessSynchronizers(registry *workflow.SynchronizerRegistry, db *gorm.DB, tables []BusinessTable, extra workflow.Synchronizer) error {
	if registry == nil {
		return errors.New("nil SynchronizerRegistry")
	}
	for _, table := range tables {
		if err := workflow.CheckSQLIdentifiers(table.Table, table.IDColumn, table.StatusColumn); err != nil {
			return errors.WithMessagef(err, "business type %s", table.BusinessType)
		}
		var synchronizer workflow.Synchronizer = workflow.NewGormStatusSynchronizer(db, table.Table, table.IDColumn, table.StatusColumn, table.Mapping)
		if extra != nil {
			synchronizer = workflow.ChainSynchronizers(synchronizer, extra)
		}
		opts := make([]workflow.SynchronizerOption, 0, 1)
		if table.ProgressUpdates {
			opts = append(opts, workflow.WithProgressUpdates())
		}
		if err := registry.Register(table.BusinessType, synchronizer, opts...); err != nil {
			return errors.WithMessagef(err, "register %s failed", table.BusinessType)
		}
	}
	return nil
}
