package orchestrator

// Notifier receives the final RunResult. Implementations handle their own
// failures internally; notification problems must never change a run's
// outcome.
type Notifier interface {
	Notify(result RunResult)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(result RunResult)

func (f NotifierFunc) Notify(result RunResult) { f(result) }
