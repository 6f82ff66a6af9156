package topicconfig

// Topic names used across the platform.
const (
	TelemetryRaw       = "telemetry.device.raw"
	TelemetryValidated = "telemetry.device.validated"
	TelemetryProcessed = "telemetry.device.processed"

	DeviceCreated = "device.lifecycle.created"
	DeviceUpdated = "device.lifecycle.updated"
	DeviceDeleted = "device.lifecycle.deleted"

	DeviceOnline  = "device.connectivity.online"
	DeviceOffline = "device.connectivity.offline"

	AlarmsCreated      = "alarms.created"
	AlarmsUpdated      = "alarms.updated"
	AlarmsAcknowledged = "alarms.acknowledged"
	AlarmsCleared      = "alarms.cleared"

	RulesInput  = "rules.input"
	RulesOutput = "rules.output"

	NotificationsEmail = "notifications.email"
	NotificationsPush  = "notifications.push"

	AuditUserActions = "audit.user.actions"
	AuditAPIRequests = "audit.api.requests"

	DeviceCommands      = "device.commands"
	DeviceCommandsRetry = "device.commands.retry"
)

type Definition struct {
	Name       string
	Partitions int32
}

// Definitions is the full topic set, provisioned idempotently at startup.
var Definitions = []Definition{
	{Name: TelemetryRaw, Partitions: 10},
	{Name: TelemetryValidated, Partitions: 10},
	{Name: TelemetryProcessed, Partitions: 10},
	{Name: DeviceCreated, Partitions: 3},
	{Name: DeviceUpdated, Partitions: 3},
	{Name: DeviceDeleted, Partitions: 3},
	{Name: DeviceOnline, Partitions: 5},
	{Name: DeviceOffline, Partitions: 5},
	{Name: AlarmsCreated, Partitions: 5},
	{Name: AlarmsUpdated, Partitions: 3},
	{Name: AlarmsAcknowledged, Partitions: 3},
	{Name: AlarmsCleared, Partitions: 3},
	{Name: RulesInput, Partitions: 10},
	{Name: RulesOutput, Partitions: 5},
	{Name: NotificationsEmail, Partitions: 3},
	{Name: NotificationsPush, Partitions: 3},
	{Name: AuditUserActions, Partitions: 5},
	{Name: AuditAPIRequests, Partitions: 5},
	{Name: DeviceCommands, Partitions: 5},
	{Name: DeviceCommandsRetry, Partitions: 3},
}
