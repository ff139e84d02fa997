package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrgUserPo 组织单元成员，一个人可以属于多个单元
type OrgUserPo struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UnitCode  string `gorm:"column:unit_code;size:64;uniqueIndex:uk_org_user_unit_user" json:"unit_code"`
	UserID    int64  `gorm:"column:user_id;uniqueIndex:uk_org_user_unit_user" json:"user_id"`
	Active    bool   `gorm:"column:active" json:"active"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (OrgUserPo) TableName() string {
	return "org_user"
}

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) ActiveUsers(ctx context.Context, unitCode string) ([]int64, error) {
	userIDs := make([]int64, 0)
	err := dbWithContext(ctx, d.db).Model(&OrgUserPo{}).
		Where("unit_code = ? AND active = ?", unitCode, true).
		Order("user_id asc").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, errors.WithMessagef(err, "query active users of %s failed", unitCode)
	}
	return userIDs, nil
}

// SetMember 新增或者更新成员的在职状态
func (d *GormDirectory) SetMember(ctx context.Context, unitCode string, userID int64, active bool) error {
	if unitCode == "" || userID <= 0 {
		return errors.Wrapf(ErrWorkflowParamInvalid, "unitCode: %q, userID: %d", unitCode, userID)
	}
	now := time.Now().Unix()
	member := &OrgUserPo{UnitCode: unitCode, UserID: userID, Active: active, CreatedAt: now, UpdatedAt: now}
	err := dbWithContext(ctx, d.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "unit_code"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"active": active, "updated_at": now}),
	}).Create(member).Error
	if err != nil {
		return errors.WithMessagef(err, "set member %d of %s failed", userID, unitCode)
	}
	return nil
}
