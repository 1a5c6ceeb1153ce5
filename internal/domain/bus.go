package domain

// StatusBus fans status events out to registered handlers.
type StatusBus interface {
	Reporter
	Subscribe(name string, handler func(StatusEvent))
	Close()
}
