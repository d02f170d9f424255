package domain

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandAcked     CommandStatus = "acked"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandExpired   CommandStatus = "expired"
)

type MessageStatus string

const (
	MessageQueued  MessageStatus = "queued"
	MessageSending MessageStatus = "sending"
	MessagePaused  MessageStatus = "paused"
	MessageSent    MessageStatus = "sent"
	MessageFailed  MessageStatus = "failed"
)

var terminalCommandStatuses = map[CommandStatus]bool{
	CommandCompleted: true,
	CommandFailed:    true,
	CommandExpired:   true,
}

// Command lifecycle: pending → sent → acked → terminal. Expiry and failure
// can strike at any non-terminal point.
var validCommandTransitions = map[CommandStatus]map[CommandStatus]bool{
	CommandPending: {
		CommandSent:    true,
		CommandFailed:  true,
		CommandExpired: true,
	},
	CommandSent: {
		CommandAcked:     true,
		CommandCompleted: true,
		CommandFailed:    true,
		CommandExpired:   true,
	},
	CommandAcked: {
		CommandCompleted: true,
		CommandFailed:    true,
		CommandExpired:   true,
	},
}

// Message lifecycle: sent is the only terminal state; failed may be retried
// back to queued.
var validMessageTransitions = map[MessageStatus]map[MessageStatus]bool{
	MessageQueued: {
		MessageSending: true,
		MessagePaused:  true,
		MessageFailed:  true,
	},
	MessageSending: {
		MessageSent:   true,
		MessageFailed: true,
	},
	MessagePaused: {
		MessageQueued: true,
		MessageFailed: true,
	},
	MessageFailed: {
		MessageQueued: true,
	},
}

func IsCommandTerminal(s CommandStatus) bool {
	return terminalCommandStatuses[s]
}

func IsMessageTerminal(s MessageStatus) bool {
	return s == MessageSent
}

func CanTransitionCommand(from, to CommandStatus) bool {
	return validCommandTransitions[from][to]
}

func CanTransitionMessage(from, to MessageStatus) bool {
	return validMessageTransitions[from][to]
}

// ValidateCommandTransition returns a TransitionError for any pair not in
// the table. Every command mutation path consults this before writing.
func ValidateCommandTransition(id string, from, to CommandStatus) error {
	if !CanTransitionCommand(from, to) {
		return &TransitionError{Entity: "command", ID: id, From: string(from), To: string(to)}
	}
	return nil
}

func ValidateMessageTransition(id string, from, to MessageStatus) error {
	if !CanTransitionMessage(from, to) {
		return &TransitionError{Entity: "message", ID: id, From: string(from), To: string(to)}
	}
	return nil
}
