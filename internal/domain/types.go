package domain

import "time"

type JobType string

const (
	JobAlertCheck          JobType = "alert_check"
	JobSLAMonitor          JobType = "sla_monitor"
	JobCleanup             JobType = "cleanup"
	JobReportGeneration    JobType = "report_generation"
	JobMaintenanceReminder JobType = "maintenance_reminder"
	JobBackup              JobType = "backup"
	JobNotificationQueue   JobType = "notification_queue"
)

// Execution and job run statuses.
const (
	RunRunning   = "running"
	RunSuccess   = "success"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

type ScheduledJob struct {
	ID               int64      `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	Description      string     `db:"description" json:"description"`
	JobType          JobType    `db:"job_type" json:"job_type"`
	SchedulePattern  string     `db:"schedule_pattern" json:"schedule_pattern"`
	Timezone         string     `db:"timezone" json:"timezone"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	TotalRuns        int64      `db:"total_runs" json:"total_runs"`
	SuccessfulRuns   int64      `db:"successful_runs" json:"successful_runs"`
	FailedRuns       int64      `db:"failed_runs" json:"failed_runs"`
	LastRunAt        *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt        *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
	LastDurationMs   *int64     `db:"last_duration_ms" json:"last_duration_ms,omitempty"`
	LastStatus       *string    `db:"last_status" json:"last_status,omitempty"`
	LastErrorMessage *string    `db:"last_error_message" json:"last_error_message,omitempty"`
	JobConfig        string     `db:"job_config" json:"job_config"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

type JobExecution struct {
	ID                int64      `db:"id" json:"id"`
	JobID             int64      `db:"job_id" json:"job_id"`
	StartedAt         time.Time  `db:"started_at" json:"started_at"`
	FinishedAt        *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	DurationMs        *int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	Status            string     `db:"status" json:"status"`
	RecordsProcessed  int        `db:"records_processed" json:"records_processed"`
	NotificationsSent int        `db:"notifications_sent" json:"notifications_sent"`
	ErrorsCount       int        `db:"errors_count" json:"errors_count"`
	ErrorDetails      *string    `db:"error_details" json:"error_details,omitempty"`
	ServerInstance    string     `db:"server_instance" json:"server_instance"`
}

// JobResult is what a job handler reports back for the execution log.
type JobResult struct {
	RecordsProcessed  int
	NotificationsSent int
	Errors            int
}

type AlertType string

const (
	AlertSLAWarning       AlertType = "sla_warning"
	AlertSLAExpired       AlertType = "sla_expired"
	AlertUnassignedTicket AlertType = "unassigned_ticket"
	AlertChecklistPending AlertType = "checklist_pending"
	AlertStockLow         AlertType = "stock_low"
	AlertMaintenanceDue   AlertType = "maintenance_due"
)

type AutomatedAlert struct {
	ID                     int64      `db:"id" json:"id"`
	Name                   string     `db:"name" json:"name"`
	Description            string     `db:"description" json:"description"`
	AlertType              AlertType  `db:"alert_type" json:"alert_type"`
	TriggerConditions      string     `db:"trigger_conditions" json:"trigger_conditions"`
	CheckFrequencyMinutes  int        `db:"check_frequency_minutes" json:"check_frequency_minutes"`
	MaxAlertsPerDay        int        `db:"max_alerts_per_day" json:"max_alerts_per_day"`
	IsActive               bool       `db:"is_active" json:"is_active"`
	LastCheckAt            *time.Time `db:"last_check_at" json:"last_check_at,omitempty"`
	LastTriggeredAt        *time.Time `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	AlertsSentToday        int        `db:"alerts_sent_today" json:"alerts_sent_today"`
	NotificationTemplateID *int64     `db:"notification_template_id" json:"notification_template_id,omitempty"`
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for delivery, lower first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

func (p Priority) Valid() bool { return p.Rank() < 4 }

type NotificationTemplate struct {
	ID                int64    `db:"id" json:"id"`
	Name              string   `db:"name" json:"name"`
	Type              string   `db:"type" json:"type"`
	TriggerEvent      string   `db:"trigger_event" json:"trigger_event"`
	SubjectTemplate   string   `db:"subject_template" json:"subject_template"`
	BodyTemplate      string   `db:"body_template" json:"body_template"`
	IsActive          bool     `db:"is_active" json:"is_active"`
	Priority          Priority `db:"priority" json:"priority"`
	DelayMinutes      int      `db:"delay_minutes" json:"delay_minutes"`
	MaxFrequencyHours int      `db:"max_frequency_hours" json:"max_frequency_hours"`
	RecipientsRoles   string   `db:"recipients_roles" json:"recipients_roles"`
	RecipientsEmails  string   `db:"recipients_emails" json:"recipients_emails"`
}

// Queue entry statuses.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueSent       = "sent"
	QueueFailed     = "failed"
	QueueCancelled  = "cancelled"
)

type QueueEntry struct {
	ID                  int64      `db:"id" json:"id"`
	TemplateID          *int64     `db:"template_id" json:"template_id,omitempty"`
	TriggerEvent        string     `db:"trigger_event" json:"trigger_event"`
	RelatedEntityType   string     `db:"related_entity_type" json:"related_entity_type"`
	RelatedEntityID     *int64     `db:"related_entity_id" json:"related_entity_id,omitempty"`
	RecipientType       string     `db:"recipient_type" json:"recipient_type"`
	RecipientIdentifier string     `db:"recipient_identifier" json:"recipient_identifier"`
	RecipientAddress    string     `db:"recipient_address" json:"recipient_address"`
	Subject             string     `db:"subject" json:"subject"`
	Body                string     `db:"body" json:"body"`
	Status              string     `db:"status" json:"status"`
	Attempts            int        `db:"attempts" json:"attempts"`
	MaxAttempts         int        `db:"max_attempts" json:"max_attempts"`
	ScheduledAt         time.Time  `db:"scheduled_at" json:"scheduled_at"`
	SentAt              *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	FailedAt            *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	ErrorMessage        *string    `db:"error_message" json:"error_message,omitempty"`
	ContextData         string     `db:"context_data" json:"context_data"`
	Priority            Priority   `db:"priority" json:"priority"`
	DedupKey            string     `db:"dedup_key" json:"dedup_key"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// Delivery log statuses.
const (
	LogDelivered = "delivered"
	LogFailed    = "failed"
)

type NotificationLog struct {
	ID                  int64     `db:"id" json:"id"`
	QueueID             *int64    `db:"queue_id" json:"queue_id,omitempty"`
	TemplateID          *int64    `db:"template_id" json:"template_id,omitempty"`
	RecipientType       string    `db:"recipient_type" json:"recipient_type"`
	RecipientIdentifier string    `db:"recipient_identifier" json:"recipient_identifier"`
	DeliveryMethod      string    `db:"delivery_method" json:"delivery_method"`
	Status              string    `db:"status" json:"status"`
	ErrorMessage        *string   `db:"error_message" json:"error_message,omitempty"`
	SentAt              time.Time `db:"sent_at" json:"sent_at"`
}

type NotificationEvent struct {
	ID          int64     `db:"id" json:"id"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    int64     `db:"entity_id" json:"entity_id"`
	EventType   string    `db:"event_type" json:"event_type"`
	EventData   string    `db:"event_data" json:"event_data"`
	TriggeredAt time.Time `db:"triggered_at" json:"triggered_at"`
	Processed   bool      `db:"processed" json:"processed"`
}

type RecipientType string

const (
	RecipientUser  RecipientType = "user"
	RecipientEmail RecipientType = "email"
)

type Recipient struct {
	Type       RecipientType `json:"type"`
	Identifier string        `json:"identifier"`
	Address    string        `json:"address"`
	Name       string        `json:"name,omitempty"`
}

type User struct {
	ID     int64  `db:"id" json:"id"`
	Name   string `db:"name" json:"name"`
	Email  string `db:"email" json:"email"`
	Role   string `db:"role" json:"role"`
	Status string `db:"status" json:"status"`
}

// TicketView is a ticket joined with the attributes notifications mention.
type TicketView struct {
	ID                   int64      `db:"id"`
	Title                string     `db:"title"`
	Description          string     `db:"description"`
	Status               string     `db:"status"`
	Priority             string     `db:"priority"`
	SLADeadline          *time.Time `db:"sla_deadline"`
	CreatedAt            time.Time  `db:"created_at"`
	AssignedTechnicianID *int64     `db:"assigned_technician_id"`
	ClientName           string     `db:"client_name"`
	LocationName         string     `db:"location_name"`
	EquipmentName        string     `db:"equipment_name"`
	TechnicianName       string     `db:"technician_name"`
	TechnicianEmail      string     `db:"technician_email"`
	ChecklistTotal       int        `db:"checklist_total"`
	ChecklistCompleted   int        `db:"checklist_completed"`
}

type InventoryItem struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	Category     string `db:"category"`
	CurrentStock int    `db:"current_stock"`
	MinimumStock int    `db:"minimum_stock"`
	Unit         string `db:"unit"`
}

type EquipmentView struct {
	ID                  int64      `db:"id"`
	Name                string     `db:"name"`
	Model               string     `db:"model"`
	SerialNumber        string     `db:"serial_number"`
	ClientName          string     `db:"client_name"`
	LocationName        string     `db:"location_name"`
	NextMaintenanceDate *time.Time `db:"next_maintenance_date"`
	LastMaintenanceDate *time.Time `db:"last_maintenance_date"`
}
