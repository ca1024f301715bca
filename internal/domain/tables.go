package domain

var Tables = []interface{}{
	// System
	&SysOprLog{},
	// Messaging
	&WhatsAppInstance{},
}
