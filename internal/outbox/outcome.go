package outbox

// Outcome reports what happened to an envelope at send time.
type Outcome int

const (
	// Sent means the envelope was published on the live transport.
	Sent Outcome = iota
	// Queued means the envelope waits in the shared queue for a ready transport.
	Queued
	// Dropped means the envelope was discarded.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}
