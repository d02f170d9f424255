package domain

import "time"

// Lifecycle models soft-deletion: active rows are live, trashed rows stay
// restorable until TrashExpiresAt, archived rows are gone for good.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "active"
	LifecycleTrashed  Lifecycle = "trashed"
	LifecycleArchived Lifecycle = "archived"
)

type Operator string

const (
	OpUnconditioned Operator = "UNCONDITIONED"
	OpDefault       Operator = "DEFAULT"
	OpEqual         Operator = "EQUAL"
	OpGreater       Operator = "GREATER"
	OpLess          Operator = "LESS"
	OpRange         Operator = "RANGE"
)

// Command is a unit of work handed to a leased device. Its retry/expiry
// lifecycle is independent of the message it serves.
type Command struct {
	ID           string         `json:"id"`
	ModeratorID  string         `json:"moderatorId"`
	MessageID    string         `json:"messageId,omitempty"`
	CommandType  string         `json:"commandType"`
	Payload      map[string]any `json:"payload"`
	Status       CommandStatus  `json:"status"`
	RetryCount   int            `json:"retryCount"`
	ResultStatus string         `json:"resultStatus,omitempty"`
	ResultData   map[string]any `json:"resultData,omitempty"`
	FailReason   string         `json:"failReason,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	AckedAt      *time.Time     `json:"ackedAt,omitempty"`
}

func (c Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// DeviceLease is the exclusive, token-authenticated right for one device to
// act on behalf of a moderator. At most one lease per moderator is active;
// a new registration supersedes the prior one.
type DeviceLease struct {
	ID              string    `json:"id"`
	ModeratorID     string    `json:"moderatorId"`
	DeviceID        string    `json:"deviceId"`
	Token           string    `json:"-"`
	Active          bool      `json:"active"`
	WhatsAppStatus  string    `json:"whatsAppStatus,omitempty"`
	CurrentURL      string    `json:"currentUrl,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// Message is owned by upstream CRUD; this core only reads it and moves its
// status. SessionID and ModeratorID may be empty, meaning "absent".
type Message struct {
	ID             string        `json:"id"`
	QueueID        string        `json:"queueId"`
	TemplateID     string        `json:"templateId,omitempty"`
	PatientID      string        `json:"patientId"`
	SessionID      string        `json:"sessionId,omitempty"`
	ModeratorID    string        `json:"moderatorId,omitempty"`
	Content        string        `json:"content,omitempty"`
	Status         MessageStatus `json:"status"`
	Position       int           `json:"position"`
	IsPaused       bool          `json:"isPaused"`
	Lifecycle      Lifecycle     `json:"lifecycle"`
	TrashExpiresAt *time.Time    `json:"trashExpiresAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func (m Message) Deleted() bool {
	return m.Lifecycle != LifecycleActive
}

// MessageSession groups a batch of messages. Its pause flag outranks the
// message-level flag but is outranked by the moderator-level flag.
type MessageSession struct {
	ID        string    `json:"id"`
	QueueID   string    `json:"queueId"`
	IsPaused  bool      `json:"isPaused"`
	StartTime time.Time `json:"startTime"`
}

// Condition maps a patient's queue position to a template.
type Condition struct {
	ID         string    `json:"id"`
	QueueID    string    `json:"queueId"`
	TemplateID string    `json:"templateId"`
	Operator   Operator  `json:"operator"`
	Value      int       `json:"value"`
	MinValue   int       `json:"minValue"`
	MaxValue   int       `json:"maxValue"`
	Lifecycle  Lifecycle `json:"lifecycle"`
}

func (c Condition) Deleted() bool {
	return c.Lifecycle != LifecycleActive
}

// Template content carries {TOKEN} placeholders resolved per dispatch.
type Template struct {
	ID          string `json:"id"`
	QueueID     string `json:"queueId"`
	ConditionID string `json:"conditionId,omitempty"`
	Content     string `json:"content"`
}
