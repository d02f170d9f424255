package store

import (
	"time"

	"patientq/internal/domain"
)

type CommandInsert struct {
	ID          string
	ModeratorID string
	MessageID   string
	CommandType string
	Payload     map[string]any
	RetryCount  int
	ExpiresAt   time.Time
	Now         time.Time
}

// CommandTransition is a compare-and-swap: the row moves From -> To only if
// it is still in From. A miss means a concurrent writer won.
type CommandTransition struct {
	ID           string
	From         domain.CommandStatus
	To           domain.CommandStatus
	ResultStatus string
	ResultData   map[string]any
	FailReason   string
	AckedAt      *time.Time
	Now          time.Time
}

type LeaseInsert struct {
	ID          string
	ModeratorID string
	DeviceID    string
	Token       string
	Now         time.Time
}

type LeaseHeartbeat struct {
	ID             string
	Token          string
	CurrentURL     string
	WhatsAppStatus string
	LastError      string
	Now            time.Time
}

type MessageInsert struct {
	ID          string
	QueueID     string
	TemplateID  string
	PatientID   string
	SessionID   string
	ModeratorID string
	Position    int
	Now         time.Time
}

// MessageTransition is the same CAS shape as CommandTransition.
type MessageTransition struct {
	ID      string
	From    domain.MessageStatus
	To      domain.MessageStatus
	Content string // written when non-empty (queued -> sending carries resolved content)
	Now     time.Time
}

type MessagePosition struct {
	MessageID string `json:"messageId"`
	Position  int    `json:"position"`
}
