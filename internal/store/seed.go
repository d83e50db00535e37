package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"alertflow/internal/domain"
)

var defaultTemplates = []domain.NotificationTemplate{
	{
		Name: "SLA Warning", Type: "email", TriggerEvent: "sla_warning", Priority: domain.PriorityHigh,
		SubjectTemplate: "ALERTA: SLA próximo a vencer - Ticket #{{ticket_id}}",
		BodyTemplate: "El ticket #{{ticket_id}} \"{{ticket_title}}\" del cliente {{client_name}} tiene SLA próximo a vencer en {{hours_remaining}} horas.\n\n" +
			"Detalles:\n- Prioridad: {{priority}}\n- Fecha límite: {{sla_deadline}}\n- Estado actual: {{status}}\n\nPor favor, tome acción inmediata.",
		RecipientsRoles: `["admin","manager","technician"]`,
	},
	{
		Name: "SLA Expired", Type: "email", TriggerEvent: "sla_expired", Priority: domain.PriorityCritical,
		SubjectTemplate: "CRÍTICO: SLA VENCIDO - Ticket #{{ticket_id}}",
		BodyTemplate: "ALERTA CRÍTICA: El ticket #{{ticket_id}} \"{{ticket_title}}\" del cliente {{client_name}} tiene SLA VENCIDO.\n\n" +
			"Detalles:\n- Prioridad: {{priority}}\n- Vencido desde: {{hours_overdue}} horas\n- Estado actual: {{status}}\n\nACCIÓN INMEDIATA REQUERIDA.",
		RecipientsRoles: `["admin","manager"]`,
	},
	{
		Name: "Stock Low Alert", Type: "email", TriggerEvent: "stock_low", Priority: domain.PriorityMedium,
		SubjectTemplate: "ALERTA: Stock bajo - {{part_name}}",
		BodyTemplate: "El repuesto \"{{part_name}}\" tiene stock bajo.\n\n" +
			"Detalles:\n- Stock actual: {{current_stock}}\n- Stock mínimo: {{minimum_stock}}\n- Categoría: {{category}}\n\nSe recomienda realizar pedido de reposición.",
		RecipientsRoles: `["admin","inventory_manager"]`,
	},
	{
		Name: "Unassigned Ticket", Type: "email", TriggerEvent: "unassigned_ticket", Priority: domain.PriorityMedium,
		SubjectTemplate: "Ticket sin asignar - #{{ticket_id}}",
		BodyTemplate: "El ticket #{{ticket_id}} \"{{ticket_title}}\" lleva {{minutes_unassigned}} minutos sin asignar.\n\n" +
			"Detalles:\n- Cliente: {{client_name}}\n- Prioridad: {{priority}}\n- Creado: {{created_at}}\n\nPor favor, asigne un técnico.",
		RecipientsRoles: `["admin","manager"]`,
	},
	{
		Name: "Checklist Pending", Type: "email", TriggerEvent: "checklist_pending", Priority: domain.PriorityMedium,
		SubjectTemplate: "Checklist pendiente - Ticket #{{ticket_id}}",
		BodyTemplate: "El ticket #{{ticket_id}} tiene checklist pendiente de completar.\n\n" +
			"Detalles:\n- Progreso: {{completion_percentage}}%\n- Items pendientes: {{pending_items}}\n- Técnico asignado: {{technician_name}}\n\n" +
			"Por favor, complete el checklist para poder cerrar el ticket.",
		RecipientsRoles: `["technician"]`,
	},
	{
		Name: "Maintenance Due", Type: "email", TriggerEvent: "maintenance_due", Priority: domain.PriorityMedium,
		SubjectTemplate: "Mantención programada - {{equipment_name}}",
		BodyTemplate: "El equipo {{equipment_name}} ({{equipment_model}}, serie {{serial_number}}) del cliente {{client_name}} " +
			"requiere mantención el {{next_maintenance_date}} ({{days_until}} días).",
		RecipientsRoles: `["admin","manager"]`,
	},
}

type seedAlert struct {
	alert    domain.AutomatedAlert
	template string
}

var defaultAlerts = []seedAlert{
	{domain.AutomatedAlert{
		Name: "SLA Warning Monitor", Description: "Verificar tickets próximos a vencer SLA", AlertType: domain.AlertSLAWarning,
		TriggerConditions:     `{"warning_hours":1,"priorities":["Urgente","Alta"],"statuses":["Abierto","En Progreso"]}`,
		CheckFrequencyMinutes: 15, MaxAlertsPerDay: 10,
	}, "SLA Warning"},
	{domain.AutomatedAlert{
		Name: "SLA Expired Monitor", Description: "Verificar tickets con SLA vencido", AlertType: domain.AlertSLAExpired,
		TriggerConditions:     `{"priorities":["Urgente","Alta","Media"],"statuses":["Abierto","En Progreso"]}`,
		CheckFrequencyMinutes: 15, MaxAlertsPerDay: 10,
	}, "SLA Expired"},
	{domain.AutomatedAlert{
		Name: "Unassigned Tickets Monitor", Description: "Verificar tickets sin asignar", AlertType: domain.AlertUnassignedTicket,
		TriggerConditions:     `{"max_unassigned_minutes":30,"priorities":["Urgente","Alta"]}`,
		CheckFrequencyMinutes: 30, MaxAlertsPerDay: 10,
	}, "Unassigned Ticket"},
	{domain.AutomatedAlert{
		Name: "Checklist Pending Monitor", Description: "Verificar checklists incompletos", AlertType: domain.AlertChecklistPending,
		TriggerConditions:     `{}`,
		CheckFrequencyMinutes: 60, MaxAlertsPerDay: 10,
	}, "Checklist Pending"},
	{domain.AutomatedAlert{
		Name: "Stock Low Monitor", Description: "Verificar repuestos bajo stock mínimo", AlertType: domain.AlertStockLow,
		TriggerConditions:     `{}`,
		CheckFrequencyMinutes: 240, MaxAlertsPerDay: 5,
	}, "Stock Low Alert"},
	{domain.AutomatedAlert{
		Name: "Maintenance Due Monitor", Description: "Verificar mantenciones próximas", AlertType: domain.AlertMaintenanceDue,
		TriggerConditions:     `{"days_ahead":7}`,
		CheckFrequencyMinutes: 1440, MaxAlertsPerDay: 20,
	}, "Maintenance Due"},
}

var defaultJobs = []domain.ScheduledJob{
	{Name: "SLA Monitor", Description: "Verificar estado de SLA cada 15 minutos", JobType: domain.JobSLAMonitor,
		SchedulePattern: "*/15 * * * *", JobConfig: `{"alerts":["sla_warning","sla_expired"]}`},
	{Name: "Alert Processor", Description: "Procesar alertas automáticas", JobType: domain.JobAlertCheck,
		SchedulePattern: "*/5 * * * *", JobConfig: `{"max_processing_time":300,"max_batch_size":20}`},
	{Name: "Daily Maintenance", Description: "Limpieza diaria de logs y estadísticas", JobType: domain.JobCleanup,
		SchedulePattern: "0 2 * * *", JobConfig: `{"retention_days":30}`},
	{Name: "Notification Queue Processor", Description: "Procesar cola de notificaciones", JobType: domain.JobNotificationQueue,
		SchedulePattern: "*/2 * * * *", JobConfig: `{"max_batch_size":10}`},
	{Name: "Daily Report", Description: "Resumen diario de notificaciones y jobs", JobType: domain.JobReportGeneration,
		SchedulePattern: "0 7 * * *", JobConfig: `{"period_hours":24}`},
	{Name: "Maintenance Reminder", Description: "Recordatorios de mantención preventiva", JobType: domain.JobMaintenanceReminder,
		SchedulePattern: "0 8 * * 1-5", JobConfig: `{}`},
	{Name: "Nightly Backup", Description: "Respaldo de la base de datos", JobType: domain.JobBackup,
		SchedulePattern: "30 3 * * *", JobConfig: `{"dir":"backups"}`},
}

var defaultSettings = [][2]string{
	{SettingCronJobsEnabled, "true"},
	{SettingMaxNotificationsPerHour, "50"},
	{"sla_warning_hours", "1"},
	{"unassigned_ticket_alert_minutes", "30"},
}

// Seed installs the default templates, alerts, jobs and settings. Rows that
// already exist by name or key are left alone.
func (s *Store) Seed(ctx context.Context, timezone string) error {
	now := utc(time.Now())
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range defaultTemplates {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO NotificationTemplates (name, type, trigger_event, subject_template, body_template, is_active, priority, recipients_roles, recipients_emails)
VALUES (?, ?, ?, ?, ?, TRUE, ?, ?, '[]')
ON CONFLICT (name) DO NOTHING`), t.Name, t.Type, t.TriggerEvent, t.SubjectTemplate, t.BodyTemplate, t.Priority, t.RecipientsRoles)
			if err != nil {
				return fmt.Errorf("seed template %q: %w", t.Name, err)
			}
		}
		for _, sa := range defaultAlerts {
			a := sa.alert
			_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO AutomatedAlerts (name, description, alert_type, trigger_conditions, check_frequency_minutes, max_alerts_per_day, is_active, notification_template_id)
VALUES (?, ?, ?, ?, ?, ?, TRUE, (SELECT id FROM NotificationTemplates WHERE name = ?))
ON CONFLICT (name) DO NOTHING`), a.Name, a.Description, a.AlertType, a.TriggerConditions, a.CheckFrequencyMinutes, a.MaxAlertsPerDay, sa.template)
			if err != nil {
				return fmt.Errorf("seed alert %q: %w", a.Name, err)
			}
		}
		for _, j := range defaultJobs {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO ScheduledJobs (name, description, job_type, schedule_pattern, timezone, is_active, job_config, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, TRUE, ?, ?, ?)
ON CONFLICT (name) DO NOTHING`), j.Name, j.Description, j.JobType, j.SchedulePattern, timezone, j.JobConfig, now, now)
			if err != nil {
				return fmt.Errorf("seed job %q: %w", j.Name, err)
			}
		}
		for _, kv := range defaultSettings {
			_, err := tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO SystemSettings (setting_key, setting_value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (setting_key) DO NOTHING`), kv[0], kv[1], now)
			if err != nil {
				return fmt.Errorf("seed setting %q: %w", kv[0], err)
			}
		}
		return nil
	})
}
