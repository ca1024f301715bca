package app

import (
	"github.com/REFFIX-BR/acaiteria-sub000/config"
	"github.com/REFFIX-BR/acaiteria-sub000/internal/whatsapp"
	"github.com/asaskevich/EventBus"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// EventBusProvider provides the in-process event bus
type EventBusProvider interface {
	Bus() EventBus.Bus
}

// WhatsAppProvider provides the messaging instance manager
type WhatsAppProvider interface {
	WhatsApp() *whatsapp.Service
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SchedulerProvider
	EventBusProvider
	WhatsAppProvider

	MigrateDB(track bool) error
	DropAll()
}
