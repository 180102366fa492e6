package notify

// Lifecycle event types. Each constant maps to one hook interface and is
// used as the bus.Event.Type when publishing.
const (
	EventJobEnqueued     = "job.enqueued"
	EventJobStarted      = "job.started"
	EventJobSucceeded    = "job.succeeded"
	EventJobFailed       = "job.failed"
	EventJobRetrying     = "job.retrying"
	EventJobDeadLettered = "job.dead_lettered"
	EventTxCommitted     = "tx.committed"
	EventTxRolledBack    = "tx.rolled_back"
	EventCronFired       = "cron.fired"
)

// Default channels each event group is published on. Override per event
// type with [WithChannel].
const (
	ChannelJobs         = "jobs"
	ChannelTransactions = "transactions"
	ChannelCron         = "cron"
)

// defaultChannels maps each event type to the channel it is published on.
var defaultChannels = map[string]string{
	EventJobEnqueued:     ChannelJobs,
	EventJobStarted:      ChannelJobs,
	EventJobSucceeded:    ChannelJobs,
	EventJobFailed:       ChannelJobs,
	EventJobRetrying:     ChannelJobs,
	EventJobDeadLettered: ChannelJobs,
	EventTxCommitted:     ChannelTransactions,
	EventTxRolledBack:    ChannelTransactions,
	EventCronFired:       ChannelCron,
}
