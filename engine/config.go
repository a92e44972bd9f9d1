// Package engine carries the process-wide tunable constants that the
// original implementation left as globals (pool sizes, timeouts, retry
// budgets). Parameterizing them on a Config lets a host build more than one
// engine instance instead of relying on package-level state.
package engine

import "time"

// Config bundles every tunable named in the external-interface and
// component-design sections: ARP timing, TCP RTO bounds, keepalive
// defaults, fragment reassembly limits, and the dynamic port range.
type Config struct {
	// ARP cache.
	ARPEntries      int
	ARPStableTTL    time.Duration
	ARPPendingTTL   time.Duration
	ARPPendingRetries int
	ARPPendingQueueLen int

	// IPv4 reassembly.
	IPFragTimeout  time.Duration
	IPFragMaxBufNr int
	IPFragMaxCtx   int

	// TCP.
	TCPRTOInitial time.Duration
	TCPRTOMin     time.Duration
	TCPRTOMax     time.Duration
	TCPMSL        time.Duration
	TCPDupThresh  int
	TCPResendingRetries int
	TCPPersistRetries   int

	TCPKeepIdle  time.Duration
	TCPKeepIntvl time.Duration
	TCPKeepCnt   int

	// Port allocation.
	DynamicPortLo uint16
	DynamicPortHi uint16

	// pktbuf pool.
	BlockSize int
	BlockCount int
}

// Default returns this engine's standard tunables: ARP stable TTL 300s,
// pending TTL 1s with 5 retries, RTO initial 1s/min 200ms/max 60s, 2xMSL
// 120s (MSL 60s), dup-ack threshold 3, keepalive 7200s/75s/9, dynamic ports
// [49152, 65535).
func Default() *Config {
	return &Config{
		ARPEntries:         64,
		ARPStableTTL:       300 * time.Second,
		ARPPendingTTL:      1 * time.Second,
		ARPPendingRetries:  5,
		ARPPendingQueueLen: 5,

		IPFragTimeout:  10 * time.Second,
		IPFragMaxBufNr: 32,
		IPFragMaxCtx:   8,

		TCPRTOInitial:       1 * time.Second,
		TCPRTOMin:           200 * time.Millisecond,
		TCPRTOMax:           60 * time.Second,
		TCPMSL:              60 * time.Second,
		TCPDupThresh:        3,
		TCPResendingRetries: 5,
		TCPPersistRetries:   10,

		TCPKeepIdle:  7200 * time.Second,
		TCPKeepIntvl: 75 * time.Second,
		TCPKeepCnt:   9,

		DynamicPortLo: 49152,
		DynamicPortHi: 65535,

		BlockSize:  512,
		BlockCount: 256,
	}
}
