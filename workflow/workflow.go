package workflow

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// 辅助函数：构造查询参数的指针
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }

var (
	validatorUtil = validator.New(validator.WithRequiredStructEnabled())
	tracer        = otel.Tracer("github.com/blingmoon/approval-workflow/workflow")
)

const (
	defaultLockTTL       = 30 * time.Second
	pendingTaskBatchSize = 200
)

type WorkflowServiceImpl struct {
	repo          WorkflowRepo
	definitions   DefinitionStore
	resolver      AssigneeResolver
	ledger        *Ledger
	synchronizers *SynchronizerRegistry
	executeLock   WorkflowLock
	lockTTL       time.Duration
	logger        *slog.Logger
}

type ServiceOption func(*WorkflowServiceImpl)

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLockTTL 单次操作持有锁的最长时间
func WithLockTTL(ttl time.Duration) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithAssigneeResolver 替换默认的处理人解析
func WithAssigneeResolver(resolver AssigneeResolver) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		if resolver != nil {
			s.resolver = resolver
		}
	}
}

// NewWorkflowService synchronizers 可以为空，为空时不回写业务状态
func NewWorkflowService(repo WorkflowRepo, executeLock WorkflowLock, definitions DefinitionStore, directory Directory,
	synchronizers *SynchronizerRegistry, opts ...ServiceOption) WorkflowService {
	s := &WorkflowServiceImpl{
		repo:          repo,
		definitions:   definitions,
		resolver:      NewAssigneeResolver(directory),
		ledger:        NewLedger(repo),
		synchronizers: synchronizers,
		executeLock:   executeLock,
		lockTTL:       defaultLockTTL,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *WorkflowServiceImpl) logFailure(ctx context.Context, op string, err error) {
	if IsSeriousError(err) {
		s.logger.ErrorContext(ctx, fmt.Sprintf("[error]%s failed, err: %v", op, err))
		return
	}
	s.logger.WarnContext(ctx, fmt.Sprintf("[warn]%s failed, err: %v", op, err))
}

func (s *WorkflowServiceImpl) StartWorkflow(ctx context.Context, req *StartWorkflowReq) (resp *StartWorkflowResp, err error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "nil StartWorkflowReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "StartWorkflowReq: %v", err)
	}
	ctx, span := tracer.Start(ctx, "WorkflowService.StartWorkflow", trace.WithAttributes(
		attribute.String("business.type", req.BusinessType),
		attribute.Int64("business.id", req.BusinessID),
		attribute.Int64("definition.id", req.DefinitionID),
	))
	defer func() { endSpan(span, err) }()

	definition, err := s.definitions.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		return nil, errors.WithMessage(err, "StartWorkflow get definition failed")
	}
	if !definition.Enabled {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "definition %s is disabled", definition.Code)
	}
	if err := definition.Validate(); err != nil {
		return nil, err
	}

	var instance *WorkflowInstance
	err = s.executeLock.NonBlockingSynchronized(ctx, businessOpLockKey(req.BusinessType, req.BusinessID), s.lockTTL, func(ctx context.Context) error {
		count, err := s.repo.CountWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
			BusinessTypeIn: []string{req.BusinessType},
			BusinessID:     &req.BusinessID,
			StatusIn:       []InstanceStatus{InstanceStatusPending},
		})
		if err != nil {
			return errors.WithMessage(err, "count pending instance failed")
		}
		if count > 0 {
			return errors.WithMessagef(ErrDuplicateActiveWorkflow, "business %s:%d", req.BusinessType, req.BusinessID)
		}
		var transition *Transition
		err = s.repo.Transaction(ctx, func(ctx context.Context) error {
			status, err := nextInstanceStatus(instanceStatusNone, instanceEventStart)
			if err != nil {
				return err
			}
			instance = &WorkflowInstance{
				DefinitionID:    definition.ID,
				DefinitionCode:  definition.Code,
				Nodes:           definition.snapshotNodes(),
				BusinessType:    req.BusinessType,
				BusinessID:      req.BusinessID,
				Title:           req.Title,
				Status:          status,
				CurrentPosition: 0,
				InitiatorID:     req.InitiatorID,
				CallerAssignees: uniqueIDs(req.Assignees),
				BusinessContext: NewBusinessContextFromMap(req.Context),
				Version:         1,
			}
			po, err := toWorkflowInstancePo(instance)
			if err != nil {
				return err
			}
			po, err = s.repo.CreateWorkflowInstance(ctx, po)
			if err != nil {
				return err
			}
			instance.ID = po.ID
			instance.CreatedAt = po.CreatedAt
			instance.UpdatedAt = po.UpdatedAt
			transition, err = s.advance(ctx, instance, 0)
			return err
		})
		if err != nil {
			return err
		}
		s.notify(ctx, instance, transition)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockFailed) {
			err = errors.WithMessagef(ErrDuplicateActiveWorkflow, "business %s:%d is being started, %v", req.BusinessType, req.BusinessID, err)
		}
		s.logFailure(ctx, "StartWorkflow", err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("instance.id", instance.ID), attribute.String("instance.status", string(instance.Status)))
	resp = &StartWorkflowResp{
		InstanceID: instance.ID,
		Status:     instance.Status,
	}
	if node := instance.CurrentNode(); node != nil && instance.Status == InstanceStatusPending {
		resp.CurrentNodeName = node.Name
	}
	return resp, nil
}

// advance 从 from 开始往后推进:
// 自动节点和没有处理人的非必填节点由系统跳过，遇到有处理人的人工节点就停下来生成待办，
// 节点走完则流程完成
func (s *WorkflowServiceImpl) advance(ctx context.Context, instance *WorkflowInstance, from int) (*Transition, error) {
	for position := from; position < len(instance.Nodes); position++ {
		node := &instance.Nodes[position]
		comment := "自动节点"
		if node.Mode == NodeModeManual {
			assignees, err := s.resolver.Resolve(ctx, node, instance.BusinessContext, instance.CallerAssignees)
			if err != nil {
				return nil, errors.WithMessagef(err, "instance %d resolve assignees of node %s failed", instance.ID, node.Name)
			}
			if len(assignees) > 0 {
				_, err := s.ledger.append(ctx, &WorkflowProcess{
					InstanceID: instance.ID,
					Position:   position,
					NodeName:   node.Name,
					NodeMode:   node.Mode,
					Assignees:  assignees,
					Action:     ProcessActionPending,
				})
				if err != nil {
					return nil, err
				}
				status, err := nextInstanceStatus(instance.Status, instanceEventAdvance)
				if err != nil {
					return nil, err
				}
				if err := s.saveInstance(ctx, instance, status, position); err != nil {
					return nil, err
				}
				return transitionOf(instance), nil
			}
			comment = "没有处理人，系统跳过"
		}
		action, err := nextProcessAction(ProcessActionPending, processEventSkip)
		if err != nil {
			return nil, err
		}
		_, err = s.ledger.append(ctx, &WorkflowProcess{
			InstanceID: instance.ID,
			Position:   position,
			NodeName:   node.Name,
			NodeMode:   node.Mode,
			Assignees:  []int64{},
			Action:     action,
			Comment:    comment,
		})
		if err != nil {
			return nil, err
		}
	}
	status, err := nextInstanceStatus(instance.Status, instanceEventComplete)
	if err != nil {
		return nil, err
	}
	if err := s.saveInstance(ctx, instance, status, len(instance.Nodes)); err != nil {
		return nil, err
	}
	return transitionOf(instance), nil
}

// saveInstance 乐观锁更新，状态必须是从 pending 出发
func (s *WorkflowServiceImpl) saveInstance(ctx context.Context, instance *WorkflowInstance, status InstanceStatus, position int) error {
	version := instance.Version
	err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			IDIn:     []int64{instance.ID},
			StatusIn: []InstanceStatus{InstanceStatusPending},
			Version:  &version,
		},
		Fields: &UpdateWorkflowInstanceField{
			Status:          &status,
			CurrentPosition: &position,
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "save instance %d failed", instance.ID)
	}
	instance.Status = status
	instance.CurrentPosition = position
	instance.Version++
	return nil
}

func transitionOf(instance *WorkflowInstance) *Transition {
	transition := &Transition{
		InstanceID:   instance.ID,
		BusinessType: instance.BusinessType,
		BusinessID:   instance.BusinessID,
		Status:       instance.Status,
		OccurredAt:   time.Now().Unix(),
	}
	if node := instance.CurrentNode(); node != nil {
		position := instance.CurrentPosition
		transition.CurrentNodePosition = &position
		transition.CurrentNodeName = node.Name
	}
	return transition
}

// notify 事务提交之后回写业务状态，失败不回滚流程，只记录在实例的 sync_error 上
func (s *WorkflowServiceImpl) notify(ctx context.Context, instance *WorkflowInstance, transition *Transition) error {
	if transition == nil {
		return nil
	}
	entry, ok := s.synchronizers.lookup(transition.BusinessType)
	if !ok {
		if transition.Status.IsTerminal() {
			s.logger.WarnContext(ctx, fmt.Sprintf("no synchronizer registered, businessType: %s, instanceID: %d", transition.BusinessType, transition.InstanceID))
		}
		return nil
	}
	syncError := ""
	var err error
	// 流转到新的人工节点只有开启了进度回写才通知
	if transition.Status != InstanceStatusPending || entry.progressUpdates {
		err = entry.synchronizer.OnInstanceTransition(ctx, transition)
		if err != nil {
			err = errors.WithMessagef(ErrSynchronizerFailure, "instance %d status %s, %v", transition.InstanceID, transition.Status, err)
			syncError = err.Error()
			s.logger.ErrorContext(ctx, fmt.Sprintf("OnInstanceTransition failed, businessType: %s, businessID: %d, err: %v",
				transition.BusinessType, transition.BusinessID, err))
		}
	}
	if syncError != instance.SyncError {
		updateErr := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
			Where:  &UpdateWorkflowInstanceWhere{IDIn: []int64{instance.ID}},
			Fields: &UpdateWorkflowInstanceField{SyncError: &syncError},
		})
		if updateErr != nil {
			s.logger.ErrorContext(ctx, fmt.Sprintf("UpdateWorkflowInstance sync_error failed, instanceID: %d, err: %v", instance.ID, updateErr))
		} else {
			instance.SyncError = syncError
		}
	}
	return err
}

func (s *WorkflowServiceImpl) loadInstance(ctx context.Context, instanceID int64) (*WorkflowInstance, error) {
	pos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		WorkflowInstanceID: &instanceID,
		Page:               &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "query instance %d failed", instanceID)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "instance id: %d", instanceID)
	}
	return fromWorkflowInstancePo(pos[0])
}

// loadWithHistory 在同一个快照里面读实例和流水，对不上时再读一次，
// 两次都对不上才是真的损坏
func (s *WorkflowServiceImpl) loadWithHistory(ctx context.Context, instanceID int64) (*WorkflowInstance, []*WorkflowProcess, error) {
	var (
		instance *WorkflowInstance
		history  []*WorkflowProcess
		err      error
	)
	for attempt := 0; attempt < 2; attempt++ {
		err = s.repo.Snapshot(ctx, func(ctx context.Context) error {
			var err error
			instance, err = s.loadInstance(ctx, instanceID)
			if err != nil {
				return err
			}
			history, err = s.ledger.History(ctx, instanceID)
			if err != nil {
				return err
			}
			return checkLedgerInvariants(instance, history)
		})
		if !errors.Is(err, ErrLedgerCorrupted) {
			break
		}
		if attempt == 0 {
			s.logger.WarnContext(ctx, fmt.Sprintf("instance %d changed while reading, read again, err: %v", instanceID, err))
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return instance, history, nil
}

// pendingEntryOf 审批中实例的当前待办，找不到或者和实例位置对不上是严重错误
func (s *WorkflowServiceImpl) pendingEntryOf(ctx context.Context, instance *WorkflowInstance) (*WorkflowProcess, error) {
	if instance.Status != InstanceStatusPending {
		return nil, errors.WithMessagef(ErrInstanceNotPending, "instance %d is %s", instance.ID, instance.Status)
	}
	entry, err := s.ledger.CurrentPendingEntry(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Position != instance.CurrentPosition {
		return nil, errors.WithMessagef(ErrLedgerCorrupted, "instance %d has no pending entry at position %d", instance.ID, instance.CurrentPosition)
	}
	return entry, nil
}

// mutateInstance 同一个实例的写操作都走这里: 加实例锁，一个事务，提交后回写业务状态
func (s *WorkflowServiceImpl) mutateInstance(ctx context.Context, instanceID int64, fn func(ctx context.Context, instance *WorkflowInstance) (*Transition, error)) (*WorkflowInstance, error) {
	var instance *WorkflowInstance
	err := s.executeLock.NonBlockingSynchronized(ctx, instanceOpLockKey(instanceID), s.lockTTL, func(ctx context.Context) error {
		var transition *Transition
		err := s.repo.Transaction(ctx, func(ctx context.Context) error {
			var err error
			instance, err = s.loadInstance(ctx, instanceID)
			if err != nil {
				return err
			}
			transition, err = fn(ctx, instance)
			return err
		})
		if err != nil {
			return err
		}
		s.notify(ctx, instance, transition)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLockFailed) {
			err = errors.WithMessagef(ErrConcurrentModification, "instance %d is being operated, %v", instanceID, err)
		}
		return nil, err
	}
	return instance, nil
}

func (s *WorkflowServiceImpl) ActOnCurrentNode(ctx context.Context, req *ActOnNodeReq) (resp *ActOnNodeResp, err error) {
	if req == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "nil ActOnNodeReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ActOnNodeReq: %v", err)
	}
	ctx, span := tracer.Start(ctx, "WorkflowService.ActOnCurrentNode", trace.WithAttributes(
		attribute.Int64("instance.id", req.InstanceID),
		attribute.Int64("actor.id", req.ActorID),
		attribute.String("decision", string(req.Decision)),
	))
	defer func() { endSpan(span, err) }()

	instance, err := s.mutateInstance(ctx, req.InstanceID, func(ctx context.Context, instance *WorkflowInstance) (*Transition, error) {
		entry, err := s.pendingEntryOf(ctx, instance)
		if err != nil {
			return nil, err
		}
		if !entry.HasAssignee(req.ActorID) {
			return nil, errors.WithMessagef(ErrNotAuthorized, "actor %d, instance %d node %s", req.ActorID, instance.ID, entry.NodeName)
		}
		switch req.Decision {
		case DecisionApprove:
			action, err := nextProcessAction(entry.Action, processEventApprove)
			if err != nil {
				return nil, err
			}
			if err := s.ledger.updateInPlace(ctx, entry, &processUpdate{Action: action, ProcessorID: req.ActorID, Comment: req.Comment}); err != nil {
				return nil, err
			}
			return s.advance(ctx, instance, entry.Position+1)
		case DecisionReject:
			action, err := nextProcessAction(entry.Action, processEventReject)
			if err != nil {
				return nil, err
			}
			if err := s.ledger.updateInPlace(ctx, entry, &processUpdate{Action: action, ProcessorID: req.ActorID, Comment: req.Comment}); err != nil {
				return nil, err
			}
			status, err := nextInstanceStatus(instance.Status, instanceEventReject)
			if err != nil {
				return nil, err
			}
			if err := s.saveInstance(ctx, instance, status, instance.CurrentPosition); err != nil {
				return nil, err
			}
			return transitionOf(instance), nil
		}
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "unknown decision %s", req.Decision)
	})
	if err != nil {
		s.logFailure(ctx, "ActOnCurrentNode", err)
		return nil, err
	}
	resp = &ActOnNodeResp{
		InstanceID:          instance.ID,
		InstanceStatus:      instance.Status,
		CurrentNodePosition: instance.CurrentPosition,
	}
	if node := instance.CurrentNode(); node != nil {
		resp.CurrentNodeName = node.Name
	}
	return resp, nil
}

func (s *WorkflowServiceImpl) CancelInstance(ctx context.Context, req *CancelInstanceReq) (err error) {
	if req == nil {
		return errors.Wrap(ErrWorkflowParamInvalid, "nil CancelInstanceReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "CancelInstanceReq: %v", err)
	}
	ctx, span := tracer.Start(ctx, "WorkflowService.CancelInstance", trace.WithAttributes(
		attribute.Int64("instance.id", req.InstanceID),
		attribute.Int64("actor.id", req.ActorID),
	))
	defer func() { endSpan(span, err) }()

	_, err = s.mutateInstance(ctx, req.InstanceID, func(ctx context.Context, instance *WorkflowInstance) (*Transition, error) {
		entry, err := s.pendingEntryOf(ctx, instance)
		if err != nil {
			return nil, err
		}
		action, err := nextProcessAction(entry.Action, processEventCancel)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.updateInPlace(ctx, entry, &processUpdate{Action: action, ProcessorID: req.ActorID, Comment: req.Reason}); err != nil {
			return nil, err
		}
		status, err := nextInstanceStatus(instance.Status, instanceEventCancel)
		if err != nil {
			return nil, err
		}
		if err := s.saveInstance(ctx, instance, status, instance.CurrentPosition); err != nil {
			return nil, err
		}
		return transitionOf(instance), nil
	})
	if err != nil {
		s.logFailure(ctx, "CancelInstance", err)
		return err
	}
	return nil
}

func (s *WorkflowServiceImpl) DelegateCurrentNode(ctx context.Context, req *DelegateNodeReq) (err error) {
	if req == nil {
		return errors.Wrap(ErrWorkflowParamInvalid, "nil DelegateNodeReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return errors.Wrapf(ErrWorkflowParamInvalid, "DelegateNodeReq: %v", err)
	}
	ctx, span := tracer.Start(ctx, "WorkflowService.DelegateCurrentNode", trace.WithAttributes(
		attribute.Int64("instance.id", req.InstanceID),
		attribute.Int64("actor.id", req.ActorID),
		attribute.Int64("delegate.id", req.DelegateID),
	))
	defer func() { endSpan(span, err) }()

	_, err = s.mutateInstance(ctx, req.InstanceID, func(ctx context.Context, instance *WorkflowInstance) (*Transition, error) {
		entry, err := s.pendingEntryOf(ctx, instance)
		if err != nil {
			return nil, err
		}
		if !entry.HasAssignee(req.ActorID) {
			return nil, errors.WithMessagef(ErrNotAuthorized, "actor %d, instance %d node %s", req.ActorID, instance.ID, entry.NodeName)
		}
		if entry.HasAssignee(req.DelegateID) {
			return nil, errors.Wrapf(ErrWorkflowParamInvalid, "user %d is already assignee of node %s", req.DelegateID, entry.NodeName)
		}
		assignees := slices.Clone(entry.Assignees)
		assignees[slices.Index(assignees, req.ActorID)] = req.DelegateID
		err = s.ledger.updateInPlace(ctx, entry, &processUpdate{
			Action:         ProcessActionPending,
			Assignees:      assignees,
			DelegatedBy:    req.ActorID,
			DelegationNote: req.Comment,
		})
		if err != nil {
			return nil, err
		}
		// 位置不变，只是升版本号，和同时进行的审批互斥
		status, err := nextInstanceStatus(instance.Status, instanceEventAdvance)
		if err != nil {
			return nil, err
		}
		return nil, s.saveInstance(ctx, instance, status, instance.CurrentPosition)
	})
	if err != nil {
		s.logFailure(ctx, "DelegateCurrentNode", err)
		return err
	}
	return nil
}

func (s *WorkflowServiceImpl) GetInstance(ctx context.Context, instanceID int64) (*InstanceDetail, error) {
	if instanceID <= 0 {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "instanceID: %d", instanceID)
	}
	instance, history, err := s.loadWithHistory(ctx, instanceID)
	if err != nil {
		s.logFailure(ctx, "GetInstance", err)
		return nil, err
	}
	detail := &InstanceDetail{
		ID:                  instance.ID,
		DefinitionID:        instance.DefinitionID,
		DefinitionCode:      instance.DefinitionCode,
		BusinessType:        instance.BusinessType,
		BusinessID:          instance.BusinessID,
		Title:               instance.Title,
		Status:              instance.Status,
		StatusText:          instance.Status.Text(),
		CurrentNodePosition: instance.CurrentPosition,
		InitiatorID:         instance.InitiatorID,
		SyncError:           instance.SyncError,
		Context:             instance.BusinessContext.ToMap(),
		History:             make([]*HistoryEntry, 0, len(history)),
		CreatedAt:           instance.CreatedAt,
		UpdatedAt:           instance.UpdatedAt,
	}
	if node := instance.CurrentNode(); node != nil {
		detail.CurrentNodeName = node.Name
	}
	for _, entry := range history {
		if entry.Action == ProcessActionPending {
			detail.CurrentAssignees = entry.Assignees
		}
		detail.History = append(detail.History, &HistoryEntry{
			Position:       entry.Position,
			Name:           entry.NodeName,
			Mode:           entry.NodeMode,
			Action:         entry.Action,
			ActionText:     entry.Action.Text(),
			Assignees:      entry.Assignees,
			ProcessorID:    entry.ProcessorID,
			DelegatedBy:    entry.DelegatedBy,
			DelegationNote: entry.DelegationNote,
			Comment:        entry.Comment,
			ProcessedAt:    entry.ProcessedAt,
		})
	}
	return detail, nil
}

func (s *WorkflowServiceImpl) QueryInstances(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error) {
	if params == nil {
		return nil, errors.Wrap(ErrWorkflowParamInvalid, "nil QueryWorkflowInstanceParams")
	}
	if params.Page == nil {
		params.Page = &Pager{Page: 1, Size: 10}
	}
	pos, err := s.repo.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return nil, err
	}
	instances := make([]*WorkflowInstance, 0, len(pos))
	for _, po := range pos {
		instance, err := fromWorkflowInstancePo(po)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (s *WorkflowServiceImpl) CountInstances(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	if params == nil {
		return 0, errors.Wrap(ErrWorkflowParamInvalid, "nil QueryWorkflowInstanceParams")
	}
	return s.repo.CountWorkflowInstance(ctx, params)
}

// ListPendingTasks 处理人存在 JSON 字段里面，分批扫描待办流水在内存里面过滤
func (s *WorkflowServiceImpl) ListPendingTasks(ctx context.Context, userID int64, page *Pager) ([]*PendingTask, error) {
	if userID <= 0 {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "userID: %d", userID)
	}
	entries := make([]*WorkflowProcess, 0)
	var lastID int64
	for {
		pos, err := s.repo.QueryWorkflowProcess(ctx, &QueryWorkflowProcessParams{
			ActionIn:      []ProcessAction{ProcessActionPending},
			IDGreaterThan: &lastID,
			OrderbyIDAsc:  Bool(true),
			Page:          &Pager{Page: 1, Size: pendingTaskBatchSize},
		})
		if err != nil {
			return nil, errors.WithMessage(err, "query pending process failed")
		}
		for _, po := range pos {
			lastID = po.ID
			entry, err := fromWorkflowProcessPo(po)
			if err != nil {
				return nil, err
			}
			if entry.HasAssignee(userID) {
				entries = append(entries, entry)
			}
		}
		if len(pos) < pendingTaskBatchSize {
			break
		}
	}
	if page != nil && (page.IsNoLimit == nil || !*page.IsNoLimit) {
		offset, limit := page.offsetLimit()
		if offset >= len(entries) {
			return []*PendingTask{}, nil
		}
		entries = entries[offset:min(offset+limit, len(entries))]
	}
	if len(entries) == 0 {
		return []*PendingTask{}, nil
	}
	instanceIDs := make([]int64, 0, len(entries))
	for _, entry := range entries {
		instanceIDs = append(instanceIDs, entry.InstanceID)
	}
	instances, err := s.QueryInstances(ctx, &QueryWorkflowInstanceParams{IDIn: instanceIDs, Page: &Pager{IsNoLimit: Bool(true)}})
	if err != nil {
		return nil, err
	}
	instanceMap := make(map[int64]*WorkflowInstance, len(instances))
	for _, instance := range instances {
		instanceMap[instance.ID] = instance
	}
	tasks := make([]*PendingTask, 0, len(entries))
	for _, entry := range entries {
		instance, ok := instanceMap[entry.InstanceID]
		if !ok {
			continue
		}
		task := &PendingTask{
			InstanceID:   instance.ID,
			BusinessType: instance.BusinessType,
			BusinessID:   instance.BusinessID,
			Title:        instance.Title,
			Position:     entry.Position,
			NodeName:     entry.NodeName,
			Assignees:    entry.Assignees,
			CreatedAt:    entry.CreatedAt,
		}
		if entry.Position < len(instance.Nodes) && instance.Nodes[entry.Position].TimeLimitSeconds > 0 {
			task.Deadline = entry.CreatedAt + instance.Nodes[entry.Position].TimeLimitSeconds
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *WorkflowServiceImpl) CanDeleteBusiness(ctx context.Context, businessType string, businessID int64) (bool, error) {
	if businessType == "" || businessID <= 0 {
		return false, errors.Wrapf(ErrWorkflowParamInvalid, "businessType: %q, businessID: %d", businessType, businessID)
	}
	count, err := s.repo.CountWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		BusinessTypeIn: []string{businessType},
		BusinessID:     &businessID,
		StatusIn:       []InstanceStatus{InstanceStatusPending},
	})
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (s *WorkflowServiceImpl) FindActiveDefinition(ctx context.Context, classifier string, fallbackCode string) (*WorkflowDefinition, error) {
	return s.definitions.FindActiveDefinition(ctx, classifier, fallbackCode)
}

func (s *WorkflowServiceImpl) ResyncBusinessStatus(ctx context.Context, instanceID int64) (err error) {
	if instanceID <= 0 {
		return errors.Wrapf(ErrWorkflowParamInvalid, "instanceID: %d", instanceID)
	}
	ctx, span := tracer.Start(ctx, "WorkflowService.ResyncBusinessStatus", trace.WithAttributes(attribute.Int64("instance.id", instanceID)))
	defer func() { endSpan(span, err) }()

	err = s.executeLock.NonBlockingSynchronized(ctx, instanceOpLockKey(instanceID), s.lockTTL, func(ctx context.Context) error {
		instance, _, err := s.loadWithHistory(ctx, instanceID)
		if err != nil {
			return err
		}
		return s.notify(ctx, instance, transitionOf(instance))
	})
	if err != nil {
		if errors.Is(err, ErrLockFailed) {
			err = errors.WithMessagef(ErrConcurrentModification, "instance %d is being operated, %v", instanceID, err)
		}
		s.logFailure(ctx, "ResyncBusinessStatus", err)
		return err
	}
	return nil
}

func (s *WorkflowServiceImpl) ResyncFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "limit: %d", limit)
	}
	pos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		HasSyncError: Bool(true),
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{Page: 1, Size: int64(limit)},
	})
	if err != nil {
		return 0, err
	}
	succeeded := 0
	var errs []error
	for _, po := range pos {
		if err := s.ResyncBusinessStatus(ctx, po.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		succeeded++
	}
	return succeeded, goerrors.Join(errs...)
}
