package domain

// Protocol identifiers. Adapters register under exactly one of these.
const (
	ProtocolModbus = "modbus"
	ProtocolMQTT   = "mqtt"
)

// StandardTelemetry is the canonical record every adapter emits.
// DeviceKey, Protocol and Timestamp are always set; everything else is
// best effort.
type StandardTelemetry struct {
	DeviceID  string `json:"deviceId,omitempty"`
	DeviceKey string `json:"deviceKey"`
	TenantID  string `json:"tenantId,omitempty"`
	// Data is the open sensor key -> value mapping.
	Data map[string]any `json:"data"`
	// Extracted common fields, nil when the device did not report them.
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Battery     *float64 `json:"battery,omitempty"`
	Signal      *float64 `json:"signal,omitempty"`
	// Timestamp is the collection time in UTC milliseconds. Defaults to
	// the ingestion time when the device did not supply one.
	Timestamp int64 `json:"timestamp"`
	// ReceivedAt is the ingestion time in UTC milliseconds.
	ReceivedAt int64             `json:"receivedAt,omitempty"`
	Protocol   string            `json:"protocol"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	// RawPayload keeps the wire bytes for audit.
	RawPayload []byte `json:"rawPayload,omitempty"`
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandScheduled CommandStatus = "SCHEDULED"
	CommandQueued    CommandStatus = "QUEUED"
	CommandSent      CommandStatus = "SENT"
	CommandAcked     CommandStatus = "ACKED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimeout   CommandStatus = "TIMEOUT"
)

const (
	DefaultCommandTimeoutMs = 30000
	DefaultCommandRetries   = 3
)

// DeviceCommand is the persisted record of an outbound device command.
type DeviceCommand struct {
	ID          int64          `json:"id"`
	DeviceID    string         `json:"deviceId"`
	DeviceKey   string         `json:"deviceKey"`
	TenantID    string         `json:"tenantId"`
	UserID      string         `json:"userId"`
	CommandType string         `json:"commandType"`
	Params      map[string]any `json:"params"`
	Priority    Priority       `json:"priority"`
	// TimeoutMs is the execution timeout in milliseconds.
	TimeoutMs int64 `json:"timeout"`
	// Retries is a declared budget carried on the record; no executor
	// consumes it yet.
	Retries       int           `json:"retries"`
	Status        CommandStatus `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	// ScheduledAt is the future dispatch time in UTC milliseconds,
	// 0 means immediate.
	ScheduledAt int64 `json:"scheduledFor,omitempty"`
	CreatedAt   int64 `json:"createdAt"`
}

// CommandEnvelope is the wire payload published to device.commands.
type CommandEnvelope struct {
	ID          int64          `json:"id"`
	DeviceID    string         `json:"deviceId"`
	DeviceKey   string         `json:"deviceKey"`
	TenantID    string         `json:"tenantId"`
	UserID      string         `json:"userId"`
	CommandType string         `json:"commandType"`
	Params      map[string]any `json:"params"`
	Priority    Priority       `json:"priority"`
	TimeoutMs   int64          `json:"timeout"`
	Retries     int            `json:"retries"`
	CreatedAt   int64          `json:"createdAt"`
	ScheduledAt int64          `json:"scheduledFor,omitempty"`
}

// Envelope maps the persisted record onto the wire payload field by field.
func (c DeviceCommand) Envelope() CommandEnvelope {
	return CommandEnvelope{
		ID:          c.ID,
		DeviceID:    c.DeviceID,
		DeviceKey:   c.DeviceKey,
		TenantID:    c.TenantID,
		UserID:      c.UserID,
		CommandType: c.CommandType,
		Params:      c.Params,
		Priority:    c.Priority,
		TimeoutMs:   c.TimeoutMs,
		Retries:     c.Retries,
		CreatedAt:   c.CreatedAt,
		ScheduledAt: c.ScheduledAt,
	}
}

// Device is one entry of the device registry.
type Device struct {
	ID        string `json:"id"`
	DeviceKey string `json:"deviceKey"`
	TenantID  string `json:"tenantId"`
	Protocol  string `json:"protocol"`
	Name      string `json:"name"`
}
