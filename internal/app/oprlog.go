package app

import (
	"context"

	"github.com/REFFIX-BR/acaiteria-sub000/internal/domain"
	"gorm.io/gorm"
)

// ListOprLogs pages through the operation log, newest first.
func (a *Application) ListOprLogs(ctx context.Context, action string, offset, limit int) ([]domain.SysOprLog, int64, error) {
	query := func() *gorm.DB {
		q := a.gormDB.WithContext(ctx).Model(&domain.SysOprLog{})
		if action != "" {
			q = q.Where("opt_action = ?", action)
		}
		return q
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []domain.SysOprLog
	err := query().Order("opt_time DESC").Offset(offset).Limit(limit).Find(&items).Error
	return items, total, err
}
