package pool

// ConnState is the life-cycle state of a pooled connection. Transitions are
// driven exclusively by CAS on the Connection's own state cell; nothing in
// this package mutates state directly.
type ConnState int32

const (
	// StateOpen is a connection actively serving borrows.
	StateOpen ConnState = iota
	// StateTrashed is a connection temporarily retired, still resurrectable
	// until its idle deadline passes.
	StateTrashed
	// StateResurrecting is a connection being pulled back out of the trash;
	// a transient state between TRASHED and OPEN.
	StateResurrecting
	// StateGone is terminal. A GONE connection is never observed by Borrow
	// again.
	StateGone
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateTrashed:
		return "TRASHED"
	case StateResurrecting:
		return "RESURRECTING"
	case StateGone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}
