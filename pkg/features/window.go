package features

import (
	"fmt"
	"math"
)

// Policy selects which 30 second windows of a file are analysed.
type Policy string

const (
	// PolicyMidpoint takes one window: at the midpoint for files longer than
	// 65 s, otherwise at the start.
	PolicyMidpoint Policy = "midpoint"

	// PolicyAugment takes four overlapping windows around the midpoint of
	// files longer than 130 s and one window at the start otherwise.
	PolicyAugment Policy = "augment"
)

const (
	midpointThreshold = 65.0
	augmentThreshold  = 130.0
)

// augmentNames are the secondary windows PolicyAugment can produce.
var augmentNames = []string{"30bef", "60bef", "30aft"}

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyMidpoint, PolicyAugment:
		return p, nil
	case "":
		return PolicyMidpoint, nil
	default:
		return "", fmt.Errorf("unknown window policy %q", s)
	}
}

// Window is one analysis window of a file.
type Window struct {
	Name  string  // suffix used for cache files; empty for the primary window
	Start float64 // offset in seconds
}

// Windows returns the windows of a file lasting duration seconds. The first
// window is the primary one used for inference. Files shorter than length
// seconds yield no windows.
func (p Policy) Windows(duration, length float64) []Window {
	if duration < length {
		return nil
	}
	mid := math.Floor(duration / 2)

	switch p {
	case PolicyAugment:
		if duration <= augmentThreshold {
			return []Window{{Start: 0}}
		}
		return []Window{
			{Start: mid},
			{Name: augmentNames[0], Start: mid - 30},
			{Name: augmentNames[1], Start: mid - 60},
			{Name: augmentNames[2], Start: mid + 30},
		}
	default:
		if duration > midpointThreshold {
			return []Window{{Start: mid}}
		}
		return []Window{{Start: 0}}
	}
}
