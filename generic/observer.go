package generic

// Observer receives operational signals from the engine. The metrics
// package provides the prometheus implementation.
type Observer interface {
	// Conflict is called every time a guarded commit loses a race.
	Conflict(entityType string)
	// Retry is called before each attempt after the first.
	Retry(operation string)
	// Outcome is called once per operation with its final outcome label.
	Outcome(operation, outcome string)
}

type nopObserver struct{}

func (nopObserver) Conflict(string)        {}
func (nopObserver) Retry(string)           {}
func (nopObserver) Outcome(string, string) {}

// NopObserver discards every signal.
var NopObserver Observer = nopObserver{}

func ObserverOrNop(o Observer) Observer {
	if o == nil {
		return NopObserver
	}
	return o
}
