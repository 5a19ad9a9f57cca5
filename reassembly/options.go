package reassembly

import (
	"fmt"
	"strings"
)

// LengthPolicy controls the declared-length cross-check on completion.
type LengthPolicy int

const (
	// LengthReport logs and counts a mismatch and attaches it to the Message.
	LengthReport LengthPolicy = iota
	// LengthOff skips the check.
	LengthOff
	// LengthReject fails the message on mismatch.
	LengthReject
)

// String returns the policy name.
func (p LengthPolicy) String() string {
	switch p {
	case LengthOff:
		return "off"
	case LengthReport:
		return "report"
	case LengthReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseLengthPolicy maps off|report|reject to a LengthPolicy.
// An empty string yields LengthReport.
func ParseLengthPolicy(s string) (LengthPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "report":
		return LengthReport, nil
	case "off":
		return LengthOff, nil
	case "reject":
		return LengthReject, nil
	default:
		return LengthReport, fmt.Errorf("unknown length policy %q (want off|report|reject)", s)
	}
}

// Options configures a Coordinator.
type Options struct {
	// LengthPolicy is applied to every completed message.
	LengthPolicy LengthPolicy
	// EvictOnDisconnect makes Session.Close evict the messages the session
	// started and has not completed. When false they are left for the
	// store's idle sweeper.
	EvictOnDisconnect bool
}
