package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"alertflow/internal/domain"
)

const ticketSelect = `
SELECT t.id, t.title, t.description, t.status, t.priority, t.sla_deadline, t.created_at, t.assigned_technician_id,
       COALESCE(c.name, '') AS client_name,
       COALESCE(l.name, '') AS location_name,
       COALESCE(e.name, '') AS equipment_name,
       COALESCE(u.name, '') AS technician_name,
       COALESCE(u.email, '') AS technician_email`

const ticketJoins = `
FROM Tickets t
LEFT JOIN Clients c ON c.id = t.client_id
LEFT JOIN Locations l ON l.id = t.location_id
LEFT JOIN Equipment e ON e.id = t.equipment_id
LEFT JOIN Users u ON u.id = t.assigned_technician_id`

// TicketQuery narrows the ticket scan done by the SLA and assignment rules.
// Zero values disable a filter.
type TicketQuery struct {
	Statuses       []string
	Priorities     []string
	DeadlineAfter  *time.Time
	DeadlineBefore *time.Time
	OverdueAt      *time.Time
	Unassigned     bool
	CreatedBefore  *time.Time
	Limit          int
}

func (s *Store) Tickets(ctx context.Context, tq TicketQuery) ([]domain.TicketView, error) {
	query := ticketSelect + `, 0 AS checklist_total, 0 AS checklist_completed` + ticketJoins + ` WHERE 1 = 1`
	var args []any
	if len(tq.Statuses) > 0 {
		query += ` AND t.status IN (?)`
		args = append(args, tq.Statuses)
	}
	if len(tq.Priorities) > 0 {
		query += ` AND t.priority IN (?)`
		args = append(args, tq.Priorities)
	}
	if tq.DeadlineAfter != nil {
		query += ` AND t.sla_deadline > ?`
		args = append(args, utc(*tq.DeadlineAfter))
	}
	if tq.DeadlineBefore != nil {
		query += ` AND t.sla_deadline <= ?`
		args = append(args, utc(*tq.DeadlineBefore))
	}
	if tq.OverdueAt != nil {
		query += ` AND t.sla_deadline < ?`
		args = append(args, utc(*tq.OverdueAt))
	}
	if tq.DeadlineAfter != nil || tq.DeadlineBefore != nil || tq.OverdueAt != nil {
		query += ` AND t.sla_deadline IS NOT NULL`
	}
	if tq.Unassigned {
		query += ` AND t.assigned_technician_id IS NULL`
	}
	if tq.CreatedBefore != nil {
		query += ` AND t.created_at <= ?`
		args = append(args, utc(*tq.CreatedBefore))
	}
	query += ` ORDER BY t.sla_deadline ASC, t.id ASC`
	if tq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, tq.Limit)
	}
	return s.selectTickets(ctx, query, args)
}

// TicketsWithPendingChecklist returns tickets in the given statuses whose
// checklists created at or before the cutoff still have open items.
func (s *Store) TicketsWithPendingChecklist(ctx context.Context, statuses []string, createdBefore time.Time) ([]domain.TicketView, error) {
	query := ticketSelect + `, ck.total AS checklist_total, ck.completed AS checklist_completed` + ticketJoins + `
JOIN (
  SELECT cl.ticket_id, COUNT(i.id) AS total, SUM(CASE WHEN i.is_completed THEN 1 ELSE 0 END) AS completed
  FROM TicketChecklists cl
  JOIN TicketChecklistItems i ON i.checklist_id = cl.id
  WHERE cl.created_at <= ?
  GROUP BY cl.ticket_id
) ck ON ck.ticket_id = t.id
WHERE t.status IN (?) AND ck.completed < ck.total
ORDER BY t.id ASC`
	return s.selectTickets(ctx, query, []any{utc(createdBefore), statuses})
}

func (s *Store) TicketByID(ctx context.Context, id int64) (domain.TicketView, error) {
	var t domain.TicketView
	err := s.db.GetContext(ctx, &t, s.q(ticketSelect+`, 0 AS checklist_total, 0 AS checklist_completed`+ticketJoins+` WHERE t.id = ?`), id)
	return t, notFound(err, fmt.Sprintf("ticket %d", id))
}

func (s *Store) selectTickets(ctx context.Context, query string, args []any) ([]domain.TicketView, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var out []domain.TicketView
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("select tickets: %w", err)
	}
	return out, nil
}

// LowStockItems returns active inventory at or below its minimum.
func (s *Store) LowStockItems(ctx context.Context, categories []string) ([]domain.InventoryItem, error) {
	query := `SELECT id, name, category, current_stock, minimum_stock, unit FROM Inventory
WHERE is_active = TRUE AND current_stock <= minimum_stock`
	var args []any
	if len(categories) > 0 {
		var err error
		query, args, err = sqlx.In(query+` AND category IN (?)`, categories)
		if err != nil {
			return nil, err
		}
	}
	var out []domain.InventoryItem
	err := s.db.SelectContext(ctx, &out, s.q(query+` ORDER BY id`), args...)
	return out, err
}

const equipmentSelect = `
SELECT e.id, e.name, e.model, e.serial_number, e.next_maintenance_date, e.last_maintenance_date,
       COALESCE(c.name, '') AS client_name,
       COALESCE(l.name, '') AS location_name
FROM Equipment e
LEFT JOIN Locations l ON l.id = e.location_id
LEFT JOIN Clients c ON c.id = l.client_id`

// EquipmentDueForMaintenance returns equipment whose next maintenance falls
// on or before the given time.
func (s *Store) EquipmentDueForMaintenance(ctx context.Context, until time.Time) ([]domain.EquipmentView, error) {
	var out []domain.EquipmentView
	err := s.db.SelectContext(ctx, &out, s.q(equipmentSelect+`
WHERE e.next_maintenance_date IS NOT NULL AND e.next_maintenance_date <= ?
ORDER BY e.next_maintenance_date ASC, e.id ASC`), utc(until))
	return out, err
}

func (s *Store) EquipmentByID(ctx context.Context, id int64) (domain.EquipmentView, error) {
	var e domain.EquipmentView
	err := s.db.GetContext(ctx, &e, s.q(equipmentSelect+` WHERE e.id = ?`), id)
	return e, notFound(err, fmt.Sprintf("equipment %d", id))
}

// ActiveUsersByRoles returns active users holding one of the roles and
// having an email address.
func (s *Store) ActiveUsersByRoles(ctx context.Context, roles []string) ([]domain.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, name, email, role, status FROM Users
WHERE status = 'Activo' AND email IS NOT NULL AND email <> '' AND role IN (?) ORDER BY id`, roles)
	if err != nil {
		return nil, err
	}
	var out []domain.User
	err = s.db.SelectContext(ctx, &out, s.q(query), args...)
	return out, err
}
