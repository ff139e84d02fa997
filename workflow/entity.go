package workflow

import (
	"encoding/json"
	"slices"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// WorkflowInstance 流程实例，Nodes 是启动时的定义快照
type WorkflowInstance struct {
	ID              int64            `json:"id"`
	DefinitionID    int64            `json:"definitionId"`
	DefinitionCode  string           `json:"definitionCode"`
	Nodes           []NodeTemplate   `json:"nodes"`
	BusinessType    string           `json:"businessType"`
	BusinessID      int64            `json:"businessId"`
	Title           string           `json:"title"`
	Status          InstanceStatus   `json:"status"`
	CurrentPosition int              `json:"currentPosition"`
	InitiatorID     int64            `json:"initiatorId"`
	CallerAssignees []int64          `json:"callerAssignees,omitempty"`
	BusinessContext *BusinessContext `json:"-"`
	Version         int64            `json:"version"`
	SyncError       string           `json:"syncError,omitempty"`
	CreatedAt       int64            `json:"createdAt"`
	UpdatedAt       int64            `json:"updatedAt"`
}

// CurrentNode 审批中返回当前节点，结束或者位置越界返回nil
func (i *WorkflowInstance) CurrentNode() *NodeTemplate {
	if i.CurrentPosition < 0 || i.CurrentPosition >= len(i.Nodes) {
		return nil
	}
	return &i.Nodes[i.CurrentPosition]
}

// WorkflowProcess 节点流水，每到达一个节点追加一条
// DelegationNote 是转交时填写的说明，Comment 留给最终处理意见
type WorkflowProcess struct {
	ID             int64         `json:"id"`
	InstanceID     int64         `json:"instanceId"`
	Position       int           `json:"position"`
	NodeName       string        `json:"nodeName"`
	NodeMode       NodeMode      `json:"nodeMode"`
	Assignees      []int64       `json:"assignees"`
	Action         ProcessAction `json:"action"`
	Comment        string        `json:"comment,omitempty"`
	ProcessorID    int64         `json:"processorId"`
	DelegatedBy    int64         `json:"delegatedBy,omitempty"`
	DelegationNote string        `json:"delegationNote,omitempty"`
	CreatedAt      int64         `json:"createdAt"`
	ProcessedAt    int64         `json:"processedAt,omitempty"`
}

func (p *WorkflowProcess) HasAssignee(userID int64) bool {
	return slices.Contains(p.Assignees, userID)
}

func marshalIDs(ids []int64) (datatypes.JSON, error) {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func unmarshalIDs(b datatypes.JSON) ([]int64, error) {
	if len(b) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0)
	if err := json.Unmarshal(b, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func toWorkflowInstancePo(instance *WorkflowInstance) (*WorkflowInstancePo, error) {
	nodes, err := json.Marshal(instance.Nodes)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal nodes failed")
	}
	callerAssignees, err := marshalIDs(instance.CallerAssignees)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal caller assignees failed")
	}
	bizCtx := instance.BusinessContext
	if bizCtx == nil {
		bizCtx = NewBusinessContextFromMap(nil)
	}
	bizCtxBytes, err := bizCtx.ToBytes()
	if err != nil {
		return nil, errors.WithMessage(err, "marshal business context failed")
	}
	return &WorkflowInstancePo{
		ID:              instance.ID,
		DefinitionID:    instance.DefinitionID,
		DefinitionCode:  instance.DefinitionCode,
		Nodes:           datatypes.JSON(nodes),
		BusinessType:    instance.BusinessType,
		BusinessID:      instance.BusinessID,
		Title:           instance.Title,
		Status:          instance.Status,
		CurrentPosition: instance.CurrentPosition,
		InitiatorID:     instance.InitiatorID,
		CallerAssignees: callerAssignees,
		BusinessContext: datatypes.JSON(bizCtxBytes),
		Version:         instance.Version,
		SyncError:       instance.SyncError,
		CreatedAt:       instance.CreatedAt,
		UpdatedAt:       instance.UpdatedAt,
	}, nil
}

func fromWorkflowInstancePo(po *WorkflowInstancePo) (*WorkflowInstance, error) {
	nodes := make([]NodeTemplate, 0)
	if len(po.Nodes) > 0 {
		if err := json.Unmarshal(po.Nodes, &nodes); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal nodes of instance %d failed", po.ID)
		}
	}
	callerAssignees, err := unmarshalIDs(po.CallerAssignees)
	if err != nil {
		return nil, errors.WithMessagef(err, "unmarshal caller assignees of instance %d failed", po.ID)
	}
	return &WorkflowInstance{
		ID:              po.ID,
		DefinitionID:    po.DefinitionID,
		DefinitionCode:  po.DefinitionCode,
		Nodes:           nodes,
		BusinessType:    po.BusinessType,
		BusinessID:      po.BusinessID,
		Title:           po.Title,
		Status:          po.Status,
		CurrentPosition: po.CurrentPosition,
		InitiatorID:     po.InitiatorID,
		CallerAssignees: callerAssignees,
		BusinessContext: NewBusinessContext(po.BusinessContext),
		Version:         po.Version,
		SyncError:       po.SyncError,
		CreatedAt:       po.CreatedAt,
		UpdatedAt:       po.UpdatedAt,
	}, nil
}

func toWorkflowProcessPo(process *WorkflowProcess) (*WorkflowProcessPo, error) {
	assignees, err := marshalIDs(process.Assignees)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal assignees failed")
	}
	return &WorkflowProcessPo{
		ID:                 process.ID,
		WorkflowInstanceID: process.InstanceID,
		Position:           process.Position,
		NodeName:           process.NodeName,
		NodeMode:           process.NodeMode,
		Assignees:          assignees,
		Action:             process.Action,
		Comment:            process.Comment,
		ProcessorID:        process.ProcessorID,
		DelegatedBy:        process.DelegatedBy,
		DelegationNote:     process.DelegationNote,
		CreatedAt:          process.CreatedAt,
		ProcessedAt:        process.ProcessedAt,
	}, nil
}

func fromWorkflowProcessPo(po *WorkflowProcessPo) (*WorkflowProcess, error) {
	assignees, err := unmarshalIDs(po.Assignees)
	if err != nil {
		return nil, errors.WithMessagef(err, "unmarshal assignees of process %d failed", po.ID)
	}
	return &WorkflowProcess{
		ID:          po.ID,
		InstanceID:  po.WorkflowInstanceID,
		Position:    po.Position,
		NodeName:    po.NodeName,
		NodeMode:    po.NodeMode,
		Assignees:   assignees,
		Action:      po.Action,
		Comment:     po.Comment,
		ProcessorID: po.ProcessorID,
		DelegatedBy:    po.DelegatedBy,
		DelegationNote: po.DelegationNote,
		CreatedAt:      po.CreatedAt,
		ProcessedAt:    po.ProcessedAt,
	}, nil
}
