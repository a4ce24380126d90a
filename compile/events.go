package compile

// Mode is the compilation policy, fixed when a module's compilation state
// is created.
type Mode uint8

const (
	// ModeRegular compiles every function once, at the top tier.
	ModeRegular Mode = iota
	// ModeTiering compiles every function twice: baseline for fast
	// startup, optimized in the background.
	ModeTiering
)

func (m Mode) String() string {
	if m == ModeTiering {
		return "tiering"
	}
	return "regular"
}

// Event is a compilation lifecycle notification. EventFinishedTopTier and
// EventFailed are final: no event follows either.
type Event uint8

const (
	EventFinishedBaseline Event = iota
	EventFinishedTopTier
	EventFailed
)

func (e Event) String() string {
	switch e {
	case EventFinishedBaseline:
		return "finished-baseline-compilation"
	case EventFinishedTopTier:
		return "finished-top-tier-compilation"
	case EventFailed:
		return "failed-compilation"
	}
	return "unknown"
}

// final reports whether no further event may fire after e.
func (e Event) final() bool {
	return e == EventFinishedTopTier || e == EventFailed
}

// Callback receives compilation events. Callbacks are invoked only from
// foreground tasks, hence serialized; err is non-nil only for EventFailed.
type Callback func(event Event, err error)
