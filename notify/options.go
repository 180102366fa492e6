package notify

// Option configures an Extension.
type Option func(*Extension)

// WithEvents restricts the extension to publish only the listed event
// types. By default all 9 event types are enabled. Unknown types are
// silently ignored.
func WithEvents(events ...string) Option {
	return func(h *Extension) {
		h.enabled = make(map[string]bool, len(events))
		for _, e := range events {
			h.enabled[e] = true
		}
	}
}

// WithOrigin sets the bus.Event.Origin stamped on every published event.
// Defaults to "txflow".
func WithOrigin(origin string) Option {
	return func(h *Extension) {
		h.origin = origin
	}
}

// WithChannel overrides the channel a specific event type is published
// on. By default job events go to ChannelJobs, transaction events to
// ChannelTransactions and cron events to ChannelCron.
func WithChannel(eventType, channel string) Option {
	return func(h *Extension) {
		if h.channels == nil {
			h.channels = make(map[string]string)
		}
		h.channels[eventType] = channel
	}
}
