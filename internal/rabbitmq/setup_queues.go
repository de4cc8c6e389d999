package rabbitmq

// Exchange direct exchange исходящих уведомлений.
const Exchange = "notifications"

// Ключи маршрутизации и очереди сообщений.
const (
	RoutingImmediate = "message.immediate"
	RoutingDeferred  = "message.deferred"
	QueueImmediate   = "messages.immediate"
	QueueDeferred    = "messages.deferred"
)

// QueueConfig связывает очередь с ключом маршрутизации.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetNotificationQueues возвращает очереди немедленных и отложенных сообщений.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: QueueImmediate, RoutingKey: RoutingImmediate},
		{QueueName: QueueDeferred, RoutingKey: RoutingDeferred},
	}
}

// RoutingKey выбирает ключ маршрутизации по срочности сообщения.
func RoutingKey(immediate bool) string {
	if immediate {
		return RoutingImmediate
	}
	return RoutingDeferred
}
