package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WorkflowDefinitionPo struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name       string         `gorm:"column:name;size:128" json:"name"`
	Code       string         `gorm:"column:code;size:64;uniqueIndex" json:"code"`
	Classifier string         `gorm:"column:classifier;size:64;index" json:"classifier"`
	Enabled    bool           `gorm:"column:enabled" json:"enabled"`
	Nodes      datatypes.JSON `gorm:"column:nodes" json:"nodes"`
	CreatedAt  int64          `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  int64          `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowDefinitionPo) TableName() string {
	return "workflow_definition"
}

type gormDefinitionStore struct {
	db *gorm.DB
}

func NewGormDefinitionStore(db *gorm.DB) DefinitionStore {
	return &gormDefinitionStore{db: db}
}

func (s *gormDefinitionStore) FindActiveDefinition(ctx context.Context, classifier string, fallbackCode string) (*WorkflowDefinition, error) {
	db := dbWithContext(ctx, s.db)
	if classifier != "" {
		pos := make([]*WorkflowDefinitionPo, 0, 1)
		err := db.Model(&WorkflowDefinitionPo{}).
			Where("classifier = ? AND enabled = ?", classifier, true).
			Order("id desc").Limit(1).Find(&pos).Error
		if err != nil {
			return nil, errors.WithMessagef(err, "query definition by classifier %s failed", classifier)
		}
		if len(pos) > 0 {
			return fromWorkflowDefinitionPo(pos[0])
		}
	}
	if fallbackCode != "" {
		pos := make([]*WorkflowDefinitionPo, 0, 1)
		err := db.Model(&WorkflowDefinitionPo{}).
			Where("code = ? AND enabled = ?", fallbackCode, true).
			Limit(1).Find(&pos).Error
		if err != nil {
			return nil, errors.WithMessagef(err, "query definition by code %s failed", fallbackCode)
		}
		if len(pos) > 0 {
			return fromWorkflowDefinitionPo(pos[0])
		}
	}
	return nil, errors.WithMessagef(ErrDefinitionNotFound, "classifier: %s, fallbackCode: %s", classifier, fallbackCode)
}

func (s *gormDefinitionStore) GetDefinition(ctx context.Context, id int64) (*WorkflowDefinition, error) {
	pos := make([]*WorkflowDefinitionPo, 0, 1)
	if err := dbWithContext(ctx, s.db).Where("id = ?", id).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "query definition %d failed", id)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "definition id: %d", id)
	}
	return fromWorkflowDefinitionPo(pos[0])
}

func (s *gormDefinitionStore) SaveDefinition(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error) {
	if def == nil {
		return nil, errors.WithMessage(ErrDefinitionInvalid, "nil definition")
	}
	saved := def.Clone()
	saved.normalize()
	if err := saved.Validate(); err != nil {
		return nil, err
	}
	nodes, err := json.Marshal(saved.Nodes)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal nodes failed")
	}
	var result *WorkflowDefinitionPo
	err = transaction(ctx, s.db, func(ctx context.Context) error {
		db := dbWithContext(ctx, s.db)
		existing := make([]*WorkflowDefinitionPo, 0, 1)
		if err := db.Where("code = ?", saved.Code).Limit(1).Find(&existing).Error; err != nil {
			return errors.WithMessagef(err, "query definition %s failed", saved.Code)
		}
		now := time.Now().Unix()
		if len(existing) == 0 {
			po := &WorkflowDefinitionPo{
				Name:       saved.Name,
				Code:       saved.Code,
				Classifier: saved.Classifier,
				Enabled:    saved.Enabled,
				Nodes:      datatypes.JSON(nodes),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := db.Create(po).Error; err != nil {
				return errors.WithMessagef(err, "create definition %s failed", saved.Code)
			}
			result = po
			return nil
		}
		po := existing[0]
		po.Name = saved.Name
		po.Classifier = saved.Classifier
		po.Enabled = saved.Enabled
		po.Nodes = datatypes.JSON(nodes)
		po.UpdatedAt = now
		err := db.Model(&WorkflowDefinitionPo{}).Where("id = ?", po.ID).Updates(map[string]any{
			"name":       po.Name,
			"classifier": po.Classifier,
			"enabled":    po.Enabled,
			"nodes":      po.Nodes,
			"updated_at": po.UpdatedAt,
		}).Error
		if err != nil {
			return errors.WithMessagef(err, "update definition %s failed", saved.Code)
		}
		result = po
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fromWorkflowDefinitionPo(result)
}

func (s *gormDefinitionStore) ListDefinitions(ctx context.Context) ([]*WorkflowDefinition, error) {
	pos := make([]*WorkflowDefinitionPo, 0)
	if err := dbWithContext(ctx, s.db).Order("id asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "list definitions failed")
	}
	defs := make([]*WorkflowDefinition, 0, len(pos))
	for _, po := range pos {
		def, err := fromWorkflowDefinitionPo(po)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func fromWorkflowDefinitionPo(po *WorkflowDefinitionPo) (*WorkflowDefinition, error) {
	nodes := make([]*NodeTemplate, 0)
	if len(po.Nodes) > 0 {
		if err := json.Unmarshal(po.Nodes, &nodes); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal nodes of definition %s failed", po.Code)
		}
	}
	return &WorkflowDefinition{
		ID:         po.ID,
		Name:       po.Name,
		Code:       po.Code,
		Classifier: po.Classifier,
		Enabled:    po.Enabled,
		Nodes:      nodes,
		CreatedAt:  po.CreatedAt,
		UpdatedAt:  po.UpdatedAt,
	}, nil
}
