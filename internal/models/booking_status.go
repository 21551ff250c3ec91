package models

type BookingStatus string

const (
	BookingPending    BookingStatus = "PENDING"
	BookingAssigned   BookingStatus = "ASSIGNED"
	BookingCompleted  BookingStatus = "COMPLETED"
	BookingUnassigned BookingStatus = "UNASSIGNED"
)

// allowedTransitions is the booking state machine. ASSIGNED -> PENDING is
// only taken when the reaper releases the driver that held the booking.
var allowedTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:  {BookingAssigned, BookingUnassigned},
	BookingAssigned: {BookingCompleted, BookingPending},
}

func CanTransition(from, to BookingStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingUnassigned
}

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingAssigned, BookingCompleted, BookingUnassigned:
		return true
	}
	return false
}
