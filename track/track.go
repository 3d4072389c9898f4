// Package track decides online/offline transitions for a single camera.
//
// The decision is a pure function over the previously persisted state and
// the latest observation, so the anti-flapping policy (one transient
// failure never flips a healthy camera offline) is a checkable invariant
// rather than emergent control flow.
package track

// Observation classifies what the latest poll learned about a camera.
type Observation int

const (
	// ObservationCaptured means the probe returned a decodable image.
	ObservationCaptured Observation = iota
	// ObservationOnlineNoImage means the device answered (e.g. 503 busy)
	// but produced no image. Reachable counts as online.
	ObservationOnlineNoImage
	// ObservationUnreachable covers timeouts, connection failures, bad
	// URLs, auth failures and unexpected responses.
	ObservationUnreachable
	// ObservationInvalidImage means bytes arrived but did not decode.
	// A camera returning garbage is not meaningfully online.
	ObservationInvalidImage
	// ObservationNoEndpoint means the camera has no external URL
	// configured; no network attempt was made.
	ObservationNoEndpoint
)

func (o Observation) String() string {
	switch o {
	case ObservationCaptured:
		return "captured"
	case ObservationOnlineNoImage:
		return "online_no_image"
	case ObservationUnreachable:
		return "unreachable"
	case ObservationInvalidImage:
		return "invalid_image"
	case ObservationNoEndpoint:
		return "no_endpoint"
	}
	return "unknown"
}

// Online reports whether the observation counts as the device being online.
func (o Observation) Online() bool {
	return o == ObservationCaptured || o == ObservationOnlineNoImage
}

// Transition is the activity-log action emitted on a state change.
type Transition string

const (
	TransitionOnline  Transition = "online"
	TransitionOffline Transition = "offline"
)

// Decision is the outcome of one tracking step.
type Decision struct {
	NewOnline  bool
	Transition *Transition // nil when state is unchanged or flap-suppressed
}

// Decide computes the new online flag and the transition to log, if any.
//
// retryExhausted must be true when the orchestrator has no further
// in-cycle attempt left for a bad observation: either the single retry
// also failed, or no retry applies (camera was already offline, or has no
// endpoint). A previously-online camera whose first probe failed but
// whose retry is still pending must be decided only after that retry.
func Decide(previousOnline bool, obs Observation, retryExhausted bool) Decision {
	newOnline := obs.Online()

	switch {
	case !previousOnline && newOnline:
		tr := TransitionOnline
		return Decision{NewOnline: true, Transition: &tr}
	case previousOnline && !newOnline:
		if !retryExhausted {
			// Single transient failure: hold the offline verdict until
			// the retry has had its say.
			return Decision{NewOnline: false}
		}
		tr := TransitionOffline
		return Decision{NewOnline: false, Transition: &tr}
	default:
		return Decision{NewOnline: newOnline}
	}
}
