package syncer

// EventType enumerates emitted sync events.
type EventType string

const (
	EventMailboxStart    EventType = "mailbox_start"
	EventMailboxProgress EventType = "mailbox_progress"
	EventMailboxDone     EventType = "mailbox_done"
	EventMailboxSkipped  EventType = "mailbox_skipped"
)

// Phase tells which step of a folder a progress event belongs to.
type Phase string

const (
	PhaseScan  Phase = "scan"
	PhaseFetch Phase = "fetch"
	PhaseRelay Phase = "relay"
)

// Event carries progress about a mailbox.
type Event struct {
	Type    EventType
	Mailbox string
	Phase   Phase
	Total   int
	Done    int
	Err     error
}
