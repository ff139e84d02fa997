package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WorkflowInstancePo struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	DefinitionID   int64          `gorm:"column:definition_id;index" json:"definition_id"`
	DefinitionCode string         `gorm:"column:definition_code;size:64" json:"definition_code"`
	Nodes          datatypes.JSON `gorm:"column:nodes" json:"nodes"` // 启动时的节点快照
	BusinessType   string         `gorm:"column:business_type;size:64;index:idx_workflow_instance_business" json:"business_type"`
	BusinessID     int64          `gorm:"column:business_id;index:idx_workflow_instance_business" json:"business_id"`
	// ActiveKey 审批中为 business_type:business_id，结束后置空，唯一索引保证一个业务对象只有一个进行中的流程
	ActiveKey       *string        `gorm:"column:active_key;size:128;uniqueIndex:uk_workflow_instance_active_key" json:"active_key"`
	Title           string         `gorm:"column:title;size:255" json:"title"`
	Status          InstanceStatus `gorm:"column:status;size:32;index" json:"status"`
	CurrentPosition int            `gorm:"column:current_position" json:"current_position"`
	InitiatorID     int64          `gorm:"column:initiator_id;index" json:"initiator_id"`
	CallerAssignees datatypes.JSON `gorm:"column:caller_assignees" json:"caller_assignees"`
	BusinessContext datatypes.JSON `gorm:"column:business_context" json:"business_context"`
	Version         int64          `gorm:"column:version" json:"version"`
	SyncError       string         `gorm:"column:sync_error;type:text" json:"sync_error"`
	CreatedAt       int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowInstancePo) TableName() string {
	return "workflow_instance"
}

type WorkflowProcessPo struct {
	ID                 int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	WorkflowInstanceID int64          `gorm:"column:workflow_instance_id;uniqueIndex:uk_workflow_process_position" json:"workflow_instance_id"`
	Position           int            `gorm:"column:position;uniqueIndex:uk_workflow_process_position" json:"position"`
	NodeName           string         `gorm:"column:node_name;size:128" json:"node_name"`
	NodeMode           NodeMode       `gorm:"column:node_mode;size:16" json:"node_mode"`
	Assignees          datatypes.JSON `gorm:"column:assignees" json:"assignees"`
	Action             ProcessAction  `gorm:"column:action;size:32;index" json:"action"`
	Comment            string         `gorm:"column:comment;type:text" json:"comment"`
	ProcessorID        int64          `gorm:"column:processor_id" json:"processor_id"` // 0 表示系统处理
	DelegatedBy        int64          `gorm:"column:delegated_by" json:"delegated_by"`
	DelegationNote     string         `gorm:"column:delegation_note;type:text" json:"delegation_note"`
	CreatedAt          int64          `gorm:"column:created_at" json:"created_at"`
	ProcessedAt        int64          `gorm:"column:processed_at" json:"processed_at"`
}

func (WorkflowProcessPo) TableName() string {
	return "workflow_process"
}

// AllModels AutoMigrate 需要的所有表
func AllModels() []any {
	return []any{&WorkflowDefinitionPo{}, &WorkflowInstancePo{}, &WorkflowProcessPo{}, &OrgUserPo{}}
}

type QueryWorkflowInstanceParams struct {
	WorkflowInstanceID *int64           `json:"workflow_instance_id"`
	IDIn               []int64          `json:"id_in"`
	BusinessTypeIn     []string         `json:"business_type_in"`
	BusinessID         *int64           `json:"business_id"`
	StatusIn           []InstanceStatus `json:"status_in"`
	InitiatorID        *int64           `json:"initiator_id"`
	HasSyncError       *bool            `json:"has_sync_error"`
	IDGreaterThan      *int64           `json:"id_greater_than"`
	OrderbyIDAsc       *bool            `json:"orderby_id_asc"`
	Page               *Pager           `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

func (p *Pager) offsetLimit() (int, int) {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = 10
	}
	return int(p.Page-1) * int(p.Size), int(p.Size)
}

type QueryWorkflowProcessParams struct {
	WorkflowInstanceID   *int64          `json:"workflow_instance_id"`
	WorkflowInstanceIDIn []int64         `json:"workflow_instance_id_in"`
	Position             *int            `json:"position"`
	ActionIn             []ProcessAction `json:"action_in"`
	IDGreaterThan        *int64          `json:"id_greater_than"`
	OrderbyPositionAsc   *bool           `json:"orderby_position_asc"`
	OrderbyIDAsc         *bool           `json:"orderby_id_asc"`
	Page                 *Pager          `json:"page"`
}

type UpdateWorkflowInstanceParams struct {
	Where  *UpdateWorkflowInstanceWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowInstanceField `json:"field" validate:"required"`
}

type UpdateWorkflowInstanceWhere struct {
	IDIn     []int64          `json:"id_in"`
	StatusIn []InstanceStatus `json:"status_in"`
	// Version 乐观锁版本号，命中后 version+1
	Version *int64 `json:"version"`
}

type UpdateWorkflowInstanceField struct {
	// Status 更新成终止状态的时候会同时清掉 active_key
	Status          *InstanceStatus `json:"status"`
	CurrentPosition *int            `json:"current_position"`
	SyncError       *string         `json:"sync_error"`
}

type UpdateWorkflowProcessParams struct {
	Where  *UpdateWorkflowProcessWhere `json:"where" validate:"required"`
	Fields *UpdateWorkflowProcessField `json:"field" validate:"required"`
}

type UpdateWorkflowProcessWhere struct {
	IDIn     []int64         `json:"id_in"`
	ActionIn []ProcessAction `json:"action_in"`
}

type UpdateWorkflowProcessField struct {
	Action         *ProcessAction `json:"action"`
	Assignees      []int64        `json:"assignees"`
	Comment        *string        `json:"comment"`
	ProcessorID    *int64         `json:"processor_id"`
	DelegatedBy    *int64         `json:"delegated_by"`
	DelegationNote *string        `json:"delegation_note"`
	ProcessedAt    *int64         `json:"processed_at"`
}

type workflowRepo struct {
	db *gorm.DB
}

func NewWorkflowRepo(db *gorm.DB) WorkflowRepo {
	return &workflowRepo{
		db: db,
	}
}

func activeKey(businessType string, businessID int64) string {
	return fmt.Sprintf("%s:%d", businessType, businessID)
}

func (r *workflowRepo) CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error) {
	if workflowInstance == nil {
		return nil, errors.New("nil WorkflowInstancePo")
	}
	workflowInstance.CreatedAt = time.Now().Unix()
	workflowInstance.UpdatedAt = workflowInstance.CreatedAt
	if workflowInstance.Status == InstanceStatusPending {
		key := activeKey(workflowInstance.BusinessType, workflowInstance.BusinessID)
		workflowInstance.ActiveKey = &key
	}
	if err := dbWithContext(ctx, r.db).Create(workflowInstance).Error; err != nil {
		if isDuplicateKeyError(err) {
			return nil, errors.WithMessagef(ErrDuplicateActiveWorkflow, "business %s:%d, err: %v",
				workflowInstance.BusinessType, workflowInstance.BusinessID, err)
		}
		return nil, errors.WithMessage(err, "CreateWorkflowInstance failed")
	}
	return workflowInstance, nil
}

func buildQueryWorkflowInstanceParams(db *gorm.DB, isCount bool, param *QueryWorkflowInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowInstanceParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("id = ?", *param.WorkflowInstanceID)
	}
	if len(param.IDIn) != 0 {
		db = db.Where("id IN ?", param.IDIn)
	}
	if len(param.BusinessTypeIn) != 0 {
		db = db.Where("business_type IN ?", param.BusinessTypeIn)
	}
	if param.BusinessID != nil {
		db = db.Where("business_id = ?", *param.BusinessID)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.InitiatorID != nil {
		db = db.Where("initiator_id = ?", *param.InitiatorID)
	}
	if param.HasSyncError != nil {
		if *param.HasSyncError {
			db = db.Where("sync_error <> ''")
		} else {
			db = db.Where("sync_error = ''")
		}
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			// 不分页显示指定了true
			return db, nil
		}
		offset, limit := param.Page.offsetLimit()
		db = db.Offset(offset).Limit(limit)
	}
	return db, nil
}

func (r *workflowRepo) QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	db := dbWithContext(ctx, r.db).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	pos := make([]*WorkflowInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowInstance failed")
	}
	return pos, nil
}

func (r *workflowRepo) CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error) {
	db := dbWithContext(ctx, r.db).Model(&WorkflowInstancePo{})
	db, err := buildQueryWorkflowInstanceParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowInstanceParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountWorkflowInstance failed")
	}
	return count, nil
}

func buildUpdateWorkflowInstanceParams(db *gorm.DB, param *UpdateWorkflowInstanceParams) (*gorm.DB, error) {
	if param.Where == nil {
		return nil, errors.New("where is nil")
	}
	if param.Fields == nil {
		return nil, errors.New("fields is nil")
	}
	if len(param.Where.IDIn) == 0 {
		// 不允许没有id的批量更新
		return nil, errors.New("update workflow instance need id_in condition")
	}
	db = db.Where("id IN ?", param.Where.IDIn)
	if len(param.Where.StatusIn) > 0 {
		db = db.Where("status IN ?", param.Where.StatusIn)
	}
	if param.Where.Version != nil {
		db = db.Where("version = ?", *param.Where.Version)
	}
	return db, nil
}

func buildUpdateWorkflowInstanceFields(param *UpdateWorkflowInstanceParams) (map[string]any, error) {
	fields := param.Fields
	updateFields := make(map[string]any)
	if fields.Status != nil {
		if !fields.Status.Valid() {
			return nil, errors.Errorf("invalid status %q", *fields.Status)
		}
		updateFields["status"] = *fields.Status
		if fields.Status.IsTerminal() {
			updateFields["active_key"] = nil
		}
	}
	if fields.CurrentPosition != nil {
		updateFields["current_position"] = *fields.CurrentPosition
	}
	if fields.SyncError != nil {
		updateFields["sync_error"] = *fields.SyncError
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	if param.Where.Version != nil {
		updateFields["version"] = gorm.Expr("version + ?", 1)
	}
	updateFields["updated_at"] = time.Now().Unix()
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error {
	if param == nil {
		return errors.New("nil UpdateWorkflowInstanceParams")
	}
	db := dbWithContext(ctx, r.db).Model(&WorkflowInstancePo{})
	db, err := buildUpdateWorkflowInstanceParams(db, param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceParams failed")
	}
	updateFields, err := buildUpdateWorkflowInstanceFields(param)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowInstanceFields failed")
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateWorkflowInstance failed")
	}
	if param.Where.Version != nil && result.RowsAffected == 0 {
		return errors.WithMessagef(ErrConcurrentModification, "instance %v version %d", param.Where.IDIn, *param.Where.Version)
	}
	return nil
}

func (r *workflowRepo) CreateWorkflowProcess(ctx context.Context, process *WorkflowProcessPo) (*WorkflowProcessPo, error) {
	if process == nil {
		return nil, errors.New("nil WorkflowProcessPo")
	}
	if process.CreatedAt == 0 {
		process.CreatedAt = time.Now().Unix()
	}
	if err := dbWithContext(ctx, r.db).Create(process).Error; err != nil {
		if isDuplicateKeyError(err) {
			// 同一个位置已经有流水，说明别的操作已经推进过了
			return nil, errors.WithMessagef(ErrConcurrentModification, "instance %d position %d, err: %v",
				process.WorkflowInstanceID, process.Position, err)
		}
		return nil, errors.WithMessage(err, "CreateWorkflowProcess failed")
	}
	return process, nil
}

func buildQueryWorkflowProcessParams(db *gorm.DB, param *QueryWorkflowProcessParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowProcessParams")
	}
	if param.WorkflowInstanceID != nil {
		db = db.Where("workflow_instance_id = ?", *param.WorkflowInstanceID)
	}
	if len(param.WorkflowInstanceIDIn) != 0 {
		db = db.Where("workflow_instance_id IN ?", param.WorkflowInstanceIDIn)
	}
	if param.Position != nil {
		db = db.Where("position = ?", *param.Position)
	}
	if len(param.ActionIn) != 0 {
		db = db.Where("action IN ?", param.ActionIn)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	if param.OrderbyPositionAsc != nil {
		if *param.OrderbyPositionAsc {
			db = db.Order("position asc")
		} else {
			db = db.Order("position desc")
		}
	}
	if param.OrderbyIDAsc != nil {
		if *param.OrderbyIDAsc {
			db = db.Order("id asc")
		} else {
			db = db.Order("id desc")
		}
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return db, nil
	}
	offset, limit := param.Page.offsetLimit()
	return db.Offset(offset).Limit(limit), nil
}

func (r *workflowRepo) QueryWorkflowProcess(ctx context.Context, param *QueryWorkflowProcessParams) ([]*WorkflowProcessPo, error) {
	db := dbWithContext(ctx, r.db).Model(&WorkflowProcessPo{})
	db, err := buildQueryWorkflowProcessParams(db, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowProcessParams failed")
	}
	pos := make([]*WorkflowProcessPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryWorkflowProcess failed")
	}
	return pos, nil
}

func buildUpdateWorkflowProcessFields(fields *UpdateWorkflowProcessField) (map[string]any, error) {
	updateFields := make(map[string]any)
	if fields.Action != nil {
		updateFields["action"] = *fields.Action
	}
	if fields.Assignees != nil {
		assignees, err := marshalIDs(fields.Assignees)
		if err != nil {
			return nil, errors.WithMessage(err, "marshal assignees failed")
		}
		updateFields["assignees"] = assignees
	}
	if fields.Comment != nil {
		updateFields["comment"] = *fields.Comment
	}
	if fields.ProcessorID != nil {
		updateFields["processor_id"] = *fields.ProcessorID
	}
	if fields.DelegatedBy != nil {
		updateFields["delegated_by"] = *fields.DelegatedBy
	}
	if fields.DelegationNote != nil {
		updateFields["delegation_note"] = *fields.DelegationNote
	}
	if fields.ProcessedAt != nil {
		updateFields["processed_at"] = *fields.ProcessedAt
	}
	if len(updateFields) == 0 {
		return nil, errors.New("no fields to update")
	}
	return updateFields, nil
}

func (r *workflowRepo) UpdateWorkflowProcess(ctx context.Context, param *UpdateWorkflowProcessParams) error {
	if param == nil || param.Where == nil || param.Fields == nil {
		return errors.New("nil UpdateWorkflowProcessParams")
	}
	if len(param.Where.IDIn) == 0 {
		return errors.New("update workflow process need id_in condition")
	}
	db := dbWithContext(ctx, r.db).Model(&WorkflowProcessPo{}).Where("id IN ?", param.Where.IDIn)
	if len(param.Where.ActionIn) > 0 {
		db = db.Where("action IN ?", param.Where.ActionIn)
	}
	updateFields, err := buildUpdateWorkflowProcessFields(param.Fields)
	if err != nil {
		return errors.WithMessage(err, "buildUpdateWorkflowProcessFields failed")
	}
	result := db.Updates(updateFields)
	if result.Error != nil {
		return errors.WithMessage(result.Error, "UpdateWorkflowProcess failed")
	}
	if len(param.Where.ActionIn) > 0 && result.RowsAffected == 0 {
		return errors.WithMessagef(ErrConcurrentModification, "process %v not in %v", param.Where.IDIn, param.Where.ActionIn)
	}
	return nil
}

func (r *workflowRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return transaction(ctx, r.db, fn)
}

// Snapshot 只读事务，postgres/mysql 用 repeatable read 保证多次查询看到同一个版本，
// sqlite 的事务本身就是串行的
func (r *workflowRepo) Snapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	switch r.db.Dialector.Name() {
	case "postgres", "mysql":
		return transaction(ctx, r.db, fn, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	default:
		return transaction(ctx, r.db, fn)
	}
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

// dbWithContext ctx 里面有事务就用事务，包内所有 gorm 存储都走这里
func dbWithContext(ctx context.Context, db *gorm.DB) *gorm.DB {
	tx, ok := ctx.Value(transactionContextKey).(*gorm.DB)
	if !ok || tx == nil {
		return db.WithContext(ctx)
	}
	return tx
}

func transaction(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error, opts ...*sql.TxOptions) error {
	if _, ok := ctx.Value(transactionContextKey).(*gorm.DB); ok {
		// 已经在事务里面了，直接复用
		return fn(ctx)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	}, opts...)
}

// isDuplicateKeyError 开启 TranslateError 时是 gorm.ErrDuplicatedKey，没开的时候按驱动的错误信息判断
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
