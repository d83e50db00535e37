package notify

import (
	"math"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/recipients"
)

// DateLayout is how dates appear in rendered notifications.
const DateLayout = "02-01-2006 15:04"

// FormatDate renders t in the business timezone. A nil time renders empty.
func FormatDate(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(loc).Format(DateLayout)
}

// TicketContext exposes a ticket and its joined attributes to templates.
func TicketContext(t domain.TicketView, now time.Time, loc *time.Location) map[string]any {
	ctx := map[string]any{
		"ticket_id":          t.ID,
		"ticket_title":       t.Title,
		"title":              t.Title,
		"description":        t.Description,
		"status":             t.Status,
		"priority":           t.Priority,
		"client_name":        t.ClientName,
		"location_name":      t.LocationName,
		"equipment_name":     t.EquipmentName,
		"technician_name":    t.TechnicianName,
		"technician_email":   t.TechnicianEmail,
		"created_at":         FormatDate(&t.CreatedAt, loc),
		"sla_deadline":       FormatDate(t.SLADeadline, loc),
		"minutes_unassigned": int(math.Ceil(now.Sub(t.CreatedAt).Minutes())),
	}
	if t.TechnicianName == "" {
		ctx["technician_name"] = "Sin asignar"
	}
	if t.SLADeadline != nil {
		left := t.SLADeadline.Sub(now)
		if left > 0 {
			ctx["hours_remaining"] = int(math.Ceil(left.Hours()))
			ctx["minutes_remaining"] = int(math.Ceil(left.Minutes()))
		} else {
			ctx["hours_overdue"] = int(math.Ceil(-left.Hours()))
		}
	}
	if t.ChecklistTotal > 0 {
		ctx["completion_percentage"] = t.ChecklistCompleted * 100 / t.ChecklistTotal
		ctx["pending_items"] = t.ChecklistTotal - t.ChecklistCompleted
	}
	return ctx
}

// TicketParticipant is the assigned technician, if any.
func TicketParticipant(t domain.TicketView) *domain.Recipient {
	if t.AssignedTechnicianID == nil {
		return nil
	}
	return recipients.Participant(*t.AssignedTechnicianID, t.TechnicianName, t.TechnicianEmail)
}

// EquipmentContext exposes equipment and its location to templates.
func EquipmentContext(e domain.EquipmentView, now time.Time, loc *time.Location) map[string]any {
	ctx := map[string]any{
		"equipment_id":          e.ID,
		"equipment_name":        e.Name,
		"equipment_model":       e.Model,
		"serial_number":         e.SerialNumber,
		"client_name":           e.ClientName,
		"location_name":         e.LocationName,
		"next_maintenance_date": FormatDate(e.NextMaintenanceDate, loc),
		"last_maintenance_date": FormatDate(e.LastMaintenanceDate, loc),
	}
	if e.NextMaintenanceDate != nil {
		ctx["days_until"] = int(math.Ceil(e.NextMaintenanceDate.Sub(now).Hours() / 24))
	}
	return ctx
}

// InventoryContext exposes a stock item to templates.
func InventoryContext(it domain.InventoryItem) map[string]any {
	return map[string]any{
		"part_id":       it.ID,
		"part_name":     it.Name,
		"category":      it.Category,
		"current_stock": it.CurrentStock,
		"minimum_stock": it.MinimumStock,
		"unit":          it.Unit,
		"shortage":      it.MinimumStock - it.CurrentStock,
	}
}
