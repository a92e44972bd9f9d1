// Package tcp implements the TCP connection engine: per-connection TCBs,
// the RFC 793 state machine, send/receive ring buffers, and RTT-adaptive
// retransmission.
package tcp

import "fmt"

// State is the TCP connection state machine. FREE marks a TCB sitting on
// the free list, not yet allocated to a connection; CLOSED is RFC 793's
// "non-existent" state reached after a TCB has run a connection to
// completion but not yet been recycled.
type State int32

const (
	FREE        State = 0
	CLOSED      State = 1
	LISTEN      State = 2
	SYN_SENT    State = 3
	SYN_RECVD   State = 4
	ESTABLISHED State = 5
	FIN_WAIT1   State = 6
	FIN_WAIT2   State = 7
	CLOSING     State = 8
	TIME_WAIT   State = 9
	CLOSE_WAIT  State = 10
	LAST_ACK    State = 11
)

var stateName = map[State]string{
	FREE:        "FREE",
	CLOSED:      "CLOSED",
	LISTEN:      "LISTEN",
	SYN_SENT:    "SYN_SENT",
	SYN_RECVD:   "SYN_RECVD",
	ESTABLISHED: "ESTABLISHED",
	FIN_WAIT1:   "FIN_WAIT1",
	FIN_WAIT2:   "FIN_WAIT2",
	CLOSING:     "CLOSING",
	TIME_WAIT:   "TIME_WAIT",
	CLOSE_WAIT:  "CLOSE_WAIT",
	LAST_ACK:    "LAST_ACK",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_STATE_%d", s)
}
