package contracts

type placeOrder struct {
	OrderID string `json:"orderId"`
}

type orderEvent interface {
	Order() string
}

type orderPlaced struct {
	OrderID string `json:"orderId"`
}

func (e orderPlaced) Order() string { return e.OrderID }

type auditEvent interface {
	Audit() string
}

type getOrder struct {
	OrderID string `json:"orderId"`
}

type orderReply struct {
	Status string `json:"status"`
}
