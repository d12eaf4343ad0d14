package domain

import "time"

// TimelineEvent: запись о переходе саги между состояниями.
type TimelineEvent struct {
	SagaID        string
	State         string
	Reason        string
	TransactionID int64
	Occurred      time.Time
}
