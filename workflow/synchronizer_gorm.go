package workflow

import (
	"context"
	"regexp"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 表名允许带一级 schema，例如 public.ip_case
var sqlIdentifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// CheckSQLIdentifiers 表名和字段名只能是普通标识符，不能带空格、引号、运算符
func CheckSQLIdentifiers(names ...string) error {
	for _, name := range names {
		if !sqlIdentifierRegexp.MatchString(name) {
			return errors.Wrapf(ErrWorkflowParamInvalid, "invalid sql identifier %q", name)
		}
	}
	return nil
}

type gormStatusSynchronizer struct {
	db           *gorm.DB
	table        string
	idColumn     string
	statusColumn string
	mapping      StatusMapping
	invalid      error
}

// NewGormStatusSynchronizer 把映射后的状态写到业务表的状态字段上
// 重复写同一个值是幂等的
// 表名和字段名由代码配置，会加引号后拼到 SQL 里，不合法时每次回写都返回 ErrWorkflowParamInvalid
func NewGormStatusSynchronizer(db *gorm.DB, table, idColumn, statusColumn string, mapping StatusMapping) Synchronizer {
	return &gormStatusSynchronizer{
		db:           db,
		table:        table,
		idColumn:     idColumn,
		statusColumn: statusColumn,
		mapping:      mapping,
		invalid:      CheckSQLIdentifiers(table, idColumn, statusColumn),
	}
}

func (s *gormStatusSynchronizer) OnInstanceTransition(ctx context.Context, transition *Transition) error {
	if s.invalid != nil {
		return s.invalid
	}
	value, ok := s.mapping[transition.Status]
	if !ok {
		return nil
	}
	byID := clause.Eq{Column: clause.Column{Name: s.idColumn}, Value: transition.BusinessID}
	result := dbWithContext(ctx, s.db).Table(s.table).Where(byID).Update(s.statusColumn, value)
	if result.Error != nil {
		return errors.WithMessagef(result.Error, "update %s.%s of %d failed", s.table, s.statusColumn, transition.BusinessID)
	}
	if result.RowsAffected == 0 {
		// mysql 值没变也是0，这里只有查不到记录才算失败
		var count int64
		err := dbWithContext(ctx, s.db).Table(s.table).Where(byID).Count(&count).Error
		if err != nil {
			return errors.WithMessagef(err, "count %s of %d failed", s.table, transition.BusinessID)
		}
		if count == 0 {
			return errors.Errorf("business record %s %d not found", s.table, transition.BusinessID)
		}
	}
	return nil
}
