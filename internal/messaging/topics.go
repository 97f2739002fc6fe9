package messaging

const (
	TopicOrderCreated   = "order.created"
	TopicPaymentSettled = "payment.settled"
)
