package flow

// Definition is everything the engine needs to run one kind of conversation:
// the validated graph, the dispatcher with all tool handlers registered, and
// the named precondition checks the graph's actions reference. A Definition
// is built fresh per session since its handlers close over session state.
type Definition struct {
	Graph      *Graph
	Dispatcher *Dispatcher
	Checks     map[string]PreconditionFunc
}
