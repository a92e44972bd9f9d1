package eventsocket

import "strconv"

// String implements fmt.Stringer for TCPEvent. Hand-written rather than
// generated: keep in sync with the TCPEvent const block above.
func (i TCPEvent) String() string {
	switch i {
	case Open:
		return "Open"
	case Close:
		return "Close"
	default:
		return "TCPEvent(" + strconv.Itoa(int(i)) + ")"
	}
}
