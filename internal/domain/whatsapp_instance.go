package domain

import "time"

// Instance status values. The connection states mirror the provider's
// folded vocabulary; pending and failed are local bookkeeping.
const (
	InstanceStatusPending      = "pending"
	InstanceStatusCreated      = "created"
	InstanceStatusConnecting   = "connecting"
	InstanceStatusConnected    = "connected"
	InstanceStatusDisconnected = "disconnected"
	InstanceStatusFailed       = "failed"
)

// WhatsAppInstance links a store to an instance at the messaging provider.
// InstanceToken is issued by the provider at creation and is never exposed
// through the API.
type WhatsAppInstance struct {
	ID            int64      `json:"id,string" gorm:"primaryKey"`
	StoreID       int64      `json:"store_id,string" gorm:"index"`
	Name          string     `json:"name" gorm:"uniqueIndex;size:128"`
	Phone         string     `json:"phone"`
	InstanceToken string     `json:"-"`
	Status        string     `json:"status" gorm:"index"`
	PairingCode   string     `json:"pairing_code"`
	QRCode        string     `json:"qr_code" gorm:"type:text"`
	LastError     string     `json:"last_error"`
	LastCheckedAt *time.Time `json:"last_checked_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (WhatsAppInstance) TableName() string {
	return "whatsapp_instance"
}

// Paired reports whether the instance has finished linking a device.
func (w *WhatsAppInstance) Paired() bool {
	return w.Status == InstanceStatusConnected
}
