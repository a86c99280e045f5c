package callmetrics

import (
	"fmt"
	"strings"
)

// Policy decides what happens to non-monotonic or missing timestamps.
type Policy int

const (
	// PolicyPassThrough keeps whatever the caller supplied, negative
	// durations included.
	PolicyPassThrough Policy = iota
	// PolicyClamp floors every negative derived duration at zero.
	PolicyClamp
	// PolicyReject refuses interactions whose raw timestamps are missing or
	// out of order.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyClamp:
		return "clamp"
	case PolicyReject:
		return "reject"
	default:
		return "passthrough"
	}
}

// ParsePolicy accepts passthrough|clamp|reject (case-insensitive). Empty
// selects PolicyPassThrough.
func ParsePolicy(raw string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "passthrough", "pass-through", "pass_through":
		return PolicyPassThrough, nil
	case "clamp":
		return PolicyClamp, nil
	case "reject":
		return PolicyReject, nil
	default:
		return PolicyPassThrough, fmt.Errorf("unknown timestamp policy %q (expected passthrough|clamp|reject)", raw)
	}
}

func (p Policy) duration(v float64) float64 {
	if p == PolicyClamp && v < 0 {
		return 0
	}
	return v
}

// validate reports the first ordering problem in the raw timestamps. Waiting
// time is not checked: it depends on the previous turn.
func validate(in Interaction) error {
	if in.SpeechStartTime == 0 || in.SpeechEndTime == 0 || in.ResponseStartTime == 0 || in.AgentResponseEndTime == 0 {
		return fmt.Errorf("%w: interaction %q has a missing timestamp", ErrInvalidTimestamps, in.InteractionID)
	}
	if in.SpeechEndTime < in.SpeechStartTime {
		return fmt.Errorf("%w: interaction %q speech ends before it starts", ErrInvalidTimestamps, in.InteractionID)
	}
	if in.ResponseStartTime < in.SpeechEndTime {
		return fmt.Errorf("%w: interaction %q response starts before speech ends", ErrInvalidTimestamps, in.InteractionID)
	}
	if in.AgentResponseEndTime < in.ResponseStartTime {
		return fmt.Errorf("%w: interaction %q response ends before it starts", ErrInvalidTimestamps, in.InteractionID)
	}
	return nil
}
