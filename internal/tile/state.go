package tile

type State int

const (
	StateNew State = iota
	StateLoading
	StateLoaded
	StateCanceled
	StateUpdated
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateCanceled:
		return "canceled"
	case StateUpdated:
		return "updated"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Settled reports whether a tile in state s has finished its current fetch,
// successfully or not.
func (s State) Settled() bool {
	return s == StateLoaded || s == StateUpdated || s == StateCanceled
}
