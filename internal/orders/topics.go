package orders

const (
	TopicNotifications = "order.notifications"
)

// Partition key = order_id so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
