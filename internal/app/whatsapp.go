package app

import (
	"fmt"

	"github.com/REFFIX-BR/acaiteria-sub000/config"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/domain"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/whatsapp"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/whatsapp/evolution"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ProviderClientConfig maps the provider section onto the client settings.
func ProviderClientConfig(pc config.ProviderConfig) evolution.Config {
	return evolution.Config{
		BaseURL:     pc.BaseURL,
		Email:       pc.Email,
		Password:    pc.Password,
		APIKey:      pc.APIKey,
		Timeout:     pc.RequestTimeout(),
		SettleDelay: pc.SettleDuration(),
		CountryCode: pc.CountryCode,
		Integration: pc.Integration,
	}
}

func (a *Application) initWhatsApp() error {
	pc := a.appConfig.Provider
	if !pc.Enabled {
		zap.L().Info("whatsapp: provider integration disabled")
		return nil
	}
	client, err := evolution.NewClient(ProviderClientConfig(pc))
	if err != nil {
		return errors.Wrap(err, "init messaging provider client")
	}
	repo := whatsapp.NewGormInstanceRepository(a.gormDB)
	a.whatsapp = whatsapp.NewService(client, repo, a.bus, a.node, whatsapp.Options{
		CountryCode: pc.CountryCode,
		SyncWorkers: pc.SyncWorkers,
	})
	zap.L().Info("whatsapp: service initialized",
		zap.String("base_url", pc.BaseURL),
		zap.Bool("login_configured", pc.Email != "" && pc.Password != ""),
		zap.Bool("api_key_configured", pc.APIKey != ""),
		zap.Int("sync_interval", pc.SyncInterval))
	return nil
}

var auditTopics = []string{
	whatsapp.TopicInstanceCreated,
	whatsapp.TopicStateChanged,
	whatsapp.TopicInstanceRemoved,
}

// subscribeAudit records instance lifecycle events in the operation log.
func (a *Application) subscribeAudit() {
	for _, topic := range auditTopics {
		topic := topic
		err := a.bus.SubscribeAsync(topic, func(evt whatsapp.InstanceEvent) {
			entry := instanceAuditLog(a.node.Generate().Int64(), topic, evt)
			if err := a.gormDB.Create(entry).Error; err != nil {
				zap.L().Warn("audit: failed to write operation log", zap.String("topic", topic), zap.Error(err))
			}
		}, false)
		if err != nil {
			zap.L().Error("audit: subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func instanceAuditLog(id int64, topic string, evt whatsapp.InstanceEvent) *domain.SysOprLog {
	var desc string
	switch topic {
	case whatsapp.TopicInstanceCreated:
		desc = fmt.Sprintf("created instance %s for store %d", evt.Name, evt.StoreID)
	case whatsapp.TopicStateChanged:
		desc = fmt.Sprintf("instance %s changed from %s to %s", evt.Name, evt.Previous, evt.Status)
	case whatsapp.TopicInstanceRemoved:
		desc = fmt.Sprintf("removed instance %s of store %d", evt.Name, evt.StoreID)
	default:
		desc = fmt.Sprintf("instance %s: %s", evt.Name, evt.Status)
	}
	return &domain.SysOprLog{
		ID:        id,
		OprName:   "system",
		OptAction: topic,
		OptDesc:   desc,
		OptTime:   evt.At,
	}
}
