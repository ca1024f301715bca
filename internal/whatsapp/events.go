package whatsapp

import "time"

// Event bus topics published by Service.
const (
	TopicInstanceCreated = "whatsapp:instance_created"
	TopicStateChanged    = "whatsapp:state_changed"
	TopicInstanceRemoved = "whatsapp:instance_removed"
)

// InstanceEvent is the payload of every whatsapp topic.
type InstanceEvent struct {
	InstanceID int64
	StoreID    int64
	Name       string
	Status     string
	Previous   string
	At         time.Time
}
