package workflow

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NodeMode 节点模式
type NodeMode string

const (
	// NodeModeAuto 自动节点，到达后系统直接放行，只能出现在首尾
	NodeModeAuto NodeMode = "auto"
	// NodeModeManual 人工节点，需要处理人审批
	NodeModeManual NodeMode = "manual"
)

// AssigneeRule 处理人解析规则
type AssigneeRule string

const (
	AssigneeRuleFixedList         AssigneeRule = "fixed-list"
	AssigneeRuleRole              AssigneeRule = "role"
	AssigneeRuleInitiatorSelected AssigneeRule = "initiator-selected"
	AssigneeRuleNone              AssigneeRule = "none"
)

// NodeTemplate 流程定义里面的一个节点
type NodeTemplate struct {
	Position     int          `json:"position"`
	Name         string       `json:"name"`
	Mode         NodeMode     `json:"mode"`
	AssigneeRule AssigneeRule `json:"assigneeRule"`
	AssigneeIDs  []int64      `json:"assigneeIds,omitempty"`
	// RoleCode 组织单元(角色/部门)编码，以$开头时从业务上下文里面取，比如 $department
	RoleCode string `json:"roleCode,omitempty"`
	// TimeLimitSeconds 处理时限，只做展示，引擎不会因为超时做任何处理
	TimeLimitSeconds int64 `json:"timeLimitSeconds,omitempty"`
	Required         bool  `json:"required"`
}

func (n *NodeTemplate) clone() NodeTemplate {
	c := *n
	c.AssigneeIDs = slices.Clone(n.AssigneeIDs)
	return c
}

func (n *NodeTemplate) TimeLimit() time.Duration {
	return time.Duration(n.TimeLimitSeconds) * time.Second
}

// WorkflowDefinition 流程定义，按业务分类(classifier)匹配
type WorkflowDefinition struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Code       string          `json:"code"`
	Classifier string          `json:"classifier"`
	Enabled    bool            `json:"enabled"`
	Nodes      []*NodeTemplate `json:"nodes"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// Validate 校验定义是否可以保存/启动
func (d *WorkflowDefinition) Validate() error {
	if d == nil {
		return errors.WithMessage(ErrDefinitionInvalid, "nil definition")
	}
	if d.Code == "" {
		return errors.WithMessage(ErrDefinitionInvalid, "code is empty")
	}
	if d.Name == "" {
		return errors.WithMessagef(ErrDefinitionInvalid, "definition %s name is empty", d.Code)
	}
	if len(d.Nodes) == 0 {
		return errors.WithMessagef(ErrDefinitionInvalid, "definition %s has no nodes", d.Code)
	}
	last := len(d.Nodes) - 1
	for i, node := range d.Nodes {
		if node == nil {
			return errors.WithMessagef(ErrDefinitionInvalid, "definition %s node %d is nil", d.Code, i)
		}
		if node.Position != i {
			return errors.WithMessagef(ErrDefinitionInvalid, "definition %s node positions must be contiguous from 0, got %d at index %d", d.Code, node.Position, i)
		}
		if node.Name == "" {
			return errors.WithMessagef(ErrDefinitionInvalid, "definition %s node %d name is empty", d.Code, i)
		}
		switch node.Mode {
		case NodeModeAuto:
			if i != 0 && i != last {
				return errors.WithMessagef(ErrDefinitionInvalid, "definition %s auto node %s must be first or last", d.Code, node.Name)
			}
		case NodeModeManual:
			if err := validateManualNode(node); err != nil {
				return errors.WithMessagef(err, "definition %s", d.Code)
			}
		default:
			return errors.WithMessagef(ErrDefinitionInvalid, "definition %s node %s unknown mode %q", d.Code, node.Name, node.Mode)
		}
	}
	return nil
}

func validateManualNode(node *NodeTemplate) error {
	switch node.AssigneeRule {
	case AssigneeRuleFixedList:
		if len(node.AssigneeIDs) == 0 {
			return errors.WithMessagef(ErrDefinitionInvalid, "node %s fixed-list without assignees", node.Name)
		}
	case AssigneeRuleRole:
		if node.RoleCode == "" {
			return errors.WithMessagef(ErrDefinitionInvalid, "node %s role rule without role code", node.Name)
		}
	case AssigneeRuleInitiatorSelected:
	case AssigneeRuleNone:
		if node.Required {
			return errors.WithMessagef(ErrDefinitionInvalid, "required node %s cannot use rule none", node.Name)
		}
	default:
		return errors.WithMessagef(ErrDefinitionInvalid, "node %s unknown assignee rule %q", node.Name, node.AssigneeRule)
	}
	return nil
}

// normalize 按 position 排序，保存前调用
func (d *WorkflowDefinition) normalize() {
	sort.SliceStable(d.Nodes, func(i, j int) bool {
		if d.Nodes[i] == nil || d.Nodes[j] == nil {
			return d.Nodes[j] == nil && d.Nodes[i] != nil
		}
		return d.Nodes[i].Position < d.Nodes[j].Position
	})
}

// snapshotNodes 启动流程时拷贝一份节点，后面修改定义不影响进行中的实例
func (d *WorkflowDefinition) snapshotNodes() []NodeTemplate {
	nodes := make([]NodeTemplate, 0, len(d.Nodes))
	for _, node := range d.Nodes {
		nodes = append(nodes, node.clone())
	}
	return nodes
}

func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	c := *d
	c.Nodes = make([]*NodeTemplate, 0, len(d.Nodes))
	for _, node := range d.Nodes {
		if node == nil {
			c.Nodes = append(c.Nodes, nil)
			continue
		}
		n := node.clone()
		c.Nodes = append(c.Nodes, &n)
	}
	return &c
}

type DefinitionStore interface {
	// FindActiveDefinition 先按 classifier 精确匹配启用的定义，找不到再按 fallbackCode 匹配
	FindActiveDefinition(ctx context.Context, classifier string, fallbackCode string) (*WorkflowDefinition, error)
	GetDefinition(ctx context.Context, id int64) (*WorkflowDefinition, error)
	// SaveDefinition 校验后按 code 新增或覆盖
	SaveDefinition(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)
}

// NewMemoryDefinitionStore 内存里面的定义存储，没有数据库的时候使用
func NewMemoryDefinitionStore() DefinitionStore {
	return &memoryDefinitionStore{
		byID: make(map[int64]*WorkflowDefinition),
	}
}

type memoryDefinitionStore struct {
	mu     sync.RWMutex
	byID   map[int64]*WorkflowDefinition
	nextID int64
}

func (m *memoryDefinitionStore) FindActiveDefinition(ctx context.Context, classifier string, fallbackCode string) (*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var byCode *WorkflowDefinition
	// 同一个分类有多个启用的定义时取最新的
	var byClassifier *WorkflowDefinition
	for _, def := range m.byID {
		if !def.Enabled {
			continue
		}
		if classifier != "" && def.Classifier == classifier {
			if byClassifier == nil || def.ID > byClassifier.ID {
				byClassifier = def
			}
		}
		if fallbackCode != "" && def.Code == fallbackCode {
			byCode = def
		}
	}
	if byClassifier != nil {
		return byClassifier.Clone(), nil
	}
	if byCode != nil {
		return byCode.Clone(), nil
	}
	return nil, errors.WithMessagef(ErrDefinitionNotFound, "classifier: %s, fallbackCode: %s", classifier, fallbackCode)
}

func (m *memoryDefinitionStore) GetDefinition(ctx context.Context, id int64) (*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.byID[id]
	if !ok {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "definition id: %d", id)
	}
	return def.Clone(), nil
}

func (m *memoryDefinitionStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error) {
	if def == nil {
		return nil, errors.WithMessage(ErrDefinitionInvalid, "nil definition")
	}
	saved := def.Clone()
	saved.normalize()
	if err := saved.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().Unix()
	for id, existing := range m.byID {
		if existing.Code == saved.Code {
			saved.ID = id
			saved.CreatedAt = existing.CreatedAt
			saved.UpdatedAt = now
			m.byID[id] = saved
			return saved.Clone(), nil
		}
	}
	m.nextID++
	saved.ID = m.nextID
	saved.CreatedAt = now
	saved.UpdatedAt = now
	m.byID[saved.ID] = saved
	return saved.Clone(), nil
}

func (m *memoryDefinitionStore) ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]*WorkflowDefinition, 0, len(m.byID))
	for _, def := range m.byID {
		defs = append(defs, def.Clone())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}
