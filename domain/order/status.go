package order

import "strings"

// Status 订单状态
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusOnTheWay   Status = "ON_THE_WAY"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions 状态机的合法边
//
//	PENDING -> CONFIRMED -> IN_PROGRESS -> ON_THE_WAY -> DELIVERED
//	PENDING | CONFIRMED -> CANCELLED
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusOnTheWay},
	StatusOnTheWay:   {StatusDelivered},
	StatusDelivered:  nil,
	StatusCancelled:  nil,
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusConfirmed, StatusInProgress, StatusOnTheWay, StatusDelivered, StatusCancelled}
}

// ParseStatus accepts the canonical names case-insensitively, with or without underscores
// ("OnTheWay", "on_the_way", "ON_THE_WAY").
func ParseStatus(s string) (Status, bool) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for _, st := range Statuses() {
		if strings.ReplaceAll(string(st), "_", "") == norm {
			return st, true
		}
	}
	return "", false
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// Next returns the statuses reachable from s in one step.
func (s Status) Next() []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }
