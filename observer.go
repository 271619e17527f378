package layercache

import "time"

// Op names the coordinator operation behind an Event.
type Op string

const (
	OpStore      Op = "store"
	OpRetrieve   Op = "retrieve"
	OpPromote    Op = "promote"
	OpInvalidate Op = "invalidate"
	OpRemove     Op = "remove"
	OpRemoveAll  Op = "remove_all"
)

type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeError   Outcome = "error"
	OutcomeCorrupt Outcome = "corrupt"
)

// Event describes one layer interaction, or the end of a walk that missed
// everywhere (Layer == -1).
type Event struct {
	Op        Op
	Key       string
	Layer     int // index in the stack; -1 when not layer specific
	LayerName string
	Outcome   Outcome
	Err       error
	Duration  time.Duration
}

// Observer receives an Event for every layer interaction.
// Implementations MUST be cheap and non-blocking; the cache calls them on hot
// paths. Wrap slow observers with observer/async.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, ob := range o {
		ob.Observe(e)
	}
}

// NopObserver is the default no-op
type NopObserver struct{}

func (NopObserver) Observe(Event) {}
