package bitmap

// TrimLevel is a host memory-pressure signal. Higher values are more severe.
// The numeric values follow the levels mobile hosts report so callers can
// forward them unchanged.
type TrimLevel int

// Trim levels, least to most severe.
const (
	TrimRunningModerate TrimLevel = 5
	TrimRunningLow      TrimLevel = 10
	TrimRunningCritical TrimLevel = 15
	TrimUIHidden        TrimLevel = 20
	TrimBackground      TrimLevel = 40
	TrimModerate        TrimLevel = 60
	TrimComplete        TrimLevel = 80
)

// ClearsAll reports whether caches should drop everything at this level.
func (l TrimLevel) ClearsAll() bool { return l >= TrimModerate }

// Halves reports whether caches should shrink to half their budget.
func (l TrimLevel) Halves() bool { return l >= TrimBackground && l < TrimModerate }

// String returns the string representation of the level.
func (l TrimLevel) String() string {
	switch l {
	case TrimRunningModerate:
		return "running-moderate"
	case TrimRunningLow:
		return "running-low"
	case TrimRunningCritical:
		return "running-critical"
	case TrimUIHidden:
		return "ui-hidden"
	case TrimBackground:
		return "background"
	case TrimModerate:
		return "moderate"
	case TrimComplete:
		return "complete"
	default:
		return "unknown"
	}
}
