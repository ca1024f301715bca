package app

import (
	"context"
	"fmt"
	"time"

	"github.com/REFFIX-BR/acaiteria-sub000/internal/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const auditRetention = 365 * 24 * time.Hour

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	logger := cronLogger{s: zap.S()}
	a.sched = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if interval := a.appConfig.Provider.SyncInterval; a.whatsapp != nil && interval > 0 {
		_, err = a.sched.AddFunc(fmt.Sprintf("@every %ds", interval), a.SchedSyncInstances)
		if err != nil {
			zap.S().Errorf("init job error %s", err.Error())
		}
	}

	_, err = a.sched.AddFunc("@daily", a.SchedClearExpireData)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSyncInstances polls the provider for the state of every instance.
// A run is bounded by the sync interval.
func (a *Application) SchedSyncInstances() {
	timeout := time.Duration(a.appConfig.Provider.SyncInterval) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	n, err := a.whatsapp.SyncAll(ctx)
	if err != nil {
		zap.L().Warn("whatsapp: status sync incomplete", zap.Int("synced", n), zap.Error(err))
		return
	}
	zap.L().Debug("whatsapp: status sync done", zap.Int("synced", n), zap.Duration("took", time.Since(start)))
}

// SchedClearExpireData removes operation logs past retention.
func (a *Application) SchedClearExpireData() {
	err := a.gormDB.
		Where("opt_time < ?", time.Now().Add(-auditRetention)).
		Delete(&domain.SysOprLog{}).Error
	if err != nil {
		zap.L().Warn("failed to clear expired operation logs", zap.Error(err))
	}
}
