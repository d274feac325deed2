package orders

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// validNext lists the transitions reachable through a status update.
// cancelled is missing on purpose: it is only reachable through Cancel,
// which also restores stock.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusPending: true, StatusProcessing: true, StatusDelivered: true},
	StatusProcessing: {StatusProcessing: true, StatusDelivered: true},
	StatusDelivered:  {StatusDelivered: true},
	StatusCancelled:  {},
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}
