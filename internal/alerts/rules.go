package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/notify"
	"alertflow/internal/store"
)

// checklistGrace is how old a checklist must be before it counts as pending.
const checklistGrace = 2 * time.Hour

var (
	defaultOpenStatuses     = []string{"Abierto", "En Progreso"}
	defaultChecklistStatuses = []string{"En Progreso", "Pendiente"}
)

// Source is the read side of the ERP the rules query.
type Source interface {
	Tickets(ctx context.Context, q store.TicketQuery) ([]domain.TicketView, error)
	TicketsWithPendingChecklist(ctx context.Context, statuses []string, createdBefore time.Time) ([]domain.TicketView, error)
	LowStockItems(ctx context.Context, categories []string) ([]domain.InventoryItem, error)
	EquipmentDueForMaintenance(ctx context.Context, until time.Time) ([]domain.EquipmentView, error)
}

// Conditions holds every parameter an alert's trigger_conditions may carry.
// Each rule reads the fields it understands.
type Conditions struct {
	WarningHours         float64  `json:"warning_hours"`
	Statuses             []string `json:"statuses"`
	Priorities           []string `json:"priorities"`
	MaxUnassignedMinutes int      `json:"max_unassigned_minutes"`
	Categories           []string `json:"categories"`
	DaysAhead            int      `json:"days_ahead"`
	Limit                int      `json:"limit"`
}

func ParseConditions(raw string) (Conditions, error) {
	var c Conditions
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("trigger_conditions: %w", err)
	}
	return c, nil
}

// Match is one entity that satisfied a rule.
type Match struct {
	EntityType  string
	EntityID    int64
	Context     map[string]any
	Participant *domain.Recipient
}

// Rule evaluates one alert type.
type Rule interface {
	Type() domain.AlertType
	DefaultPriority() domain.Priority
	Match(ctx context.Context, src Source, cond Conditions, now time.Time, loc *time.Location) ([]Match, error)
}

// Registry maps alert types to rules.
type Registry struct {
	rules map[domain.AlertType]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: map[domain.AlertType]Rule{}}
}

// DefaultRegistry has every built-in rule registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, rule := range []Rule{slaWarning{}, slaExpired{}, unassignedTicket{}, checklistPending{}, stockLow{}, maintenanceDue{}} {
		_ = r.Register(rule)
	}
	return r
}

func (r *Registry) Register(rule Rule) error {
	if rule.Type() == "" {
		return errors.New("rule type is empty")
	}
	if _, dup := r.rules[rule.Type()]; dup {
		return fmt.Errorf("rule %q already registered", rule.Type())
	}
	r.rules[rule.Type()] = rule
	return nil
}

func (r *Registry) Lookup(t domain.AlertType) (Rule, bool) {
	rule, ok := r.rules[t]
	return rule, ok
}

func (r *Registry) Types() []domain.AlertType {
	out := make([]domain.AlertType, 0, len(r.rules))
	for t := range r.rules {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func ticketMatches(tickets []domain.TicketView, now time.Time, loc *time.Location) []Match {
	out := make([]Match, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, Match{
			EntityType:  "ticket",
			EntityID:    t.ID,
			Context:     notify.TicketContext(t, now, loc),
			Participant: notify.TicketParticipant(t),
		})
	}
	return out
}

type slaWarning struct{}

func (slaWarning) Type() domain.AlertType           { return domain.AlertSLAWarning }
func (slaWarning) DefaultPriority() domain.Priority { return domain.PriorityHigh }

func (slaWarning) Match(ctx context.Context, src Source, c Conditions, now time.Time, loc *time.Location) ([]Match, error) {
	hours := c.WarningHours
	if hours <= 0 {
		hours = 1
	}
	until := now.Add(time.Duration(hours * float64(time.Hour)))
	tickets, err := src.Tickets(ctx, store.TicketQuery{
		Statuses:       orDefault(c.Statuses, defaultOpenStatuses),
		Priorities:     c.Priorities,
		DeadlineAfter:  &now,
		DeadlineBefore: &until,
		Limit:          c.Limit,
	})
	if err != nil {
		return nil, err
	}
	return ticketMatches(tickets, now, loc), nil
}

type slaExpired struct{}

func (slaExpired) Type() domain.AlertType           { return domain.AlertSLAExpired }
func (slaExpired) DefaultPriority() domain.Priority { return domain.PriorityCritical }

func (slaExpired) Match(ctx context.Context, src Source, c Conditions, now time.Time, loc *time.Location) ([]Match, error) {
	tickets, err := src.Tickets(ctx, store.TicketQuery{
		Statuses:   orDefault(c.Statuses, defaultOpenStatuses),
		Priorities: c.Priorities,
		OverdueAt:  &now,
		Limit:      c.Limit,
	})
	if err != nil {
		return nil, err
	}
	return ticketMatches(tickets, now, loc), nil
}

type unassignedTicket struct{}

func (unassignedTicket) Type() domain.AlertType           { return domain.AlertUnassignedTicket }
func (unassignedTicket) DefaultPriority() domain.Priority { return domain.PriorityMedium }

func (unassignedTicket) Match(ctx context.Context, src Source, c Conditions, now time.Time, loc *time.Location) ([]Match, error) {
	minutes := c.MaxUnassignedMinutes
	if minutes <= 0 {
		minutes = 30
	}
	cutoff := now.Add(-time.Duration(minutes) * time.Minute)
	tickets, err := src.Tickets(ctx, store.TicketQuery{
		Statuses:      orDefault(c.Statuses, []string{"Abierto"}),
		Priorities:    c.Priorities,
		Unassigned:    true,
		CreatedBefore: &cutoff,
		Limit:         c.Limit,
	})
	if err != nil {
		return nil, err
	}
	return ticketMatches(tickets, now, loc), nil
}

type checklistPending struct{}

func (checklistPending) Type() domain.AlertType           { return domain.AlertChecklistPending }
func (checklistPending) DefaultPriority() domain.Priority { return domain.PriorityMedium }

func (checklistPending) Match(ctx context.Context, src Source, c Conditions, now time.Time, loc *time.Location) ([]Match, error) {
	tickets, err := src.TicketsWithPendingChecklist(ctx, orDefault(c.Statuses, defaultChecklistStatuses), now.Add(-checklistGrace))
	if err != nil {
		return nil, err
	}
	return ticketMatches(tickets, now, loc), nil
}

type stockLow struct{}

func (stockLow) Type() domain.AlertType           { return domain.AlertStockLow }
func (stockLow) DefaultPriority() domain.Priority { return domain.PriorityMedium }

func (stockLow) Match(ctx context.Context, src Source, c Conditions, _ time.Time, _ *time.Location) ([]Match, error) {
	items, err := src.LowStockItems(ctx, c.Categories)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(items))
	for _, it := range items {
		out = append(out, Match{EntityType: "inventory", EntityID: it.ID, Context: notify.InventoryContext(it)})
	}
	return out, nil
}

type maintenanceDue struct{}

func (maintenanceDue) Type() domain.AlertType           { return domain.AlertMaintenanceDue }
func (maintenanceDue) DefaultPriority() domain.Priority { return domain.PriorityMedium }

func (maintenanceDue) Match(ctx context.Context, src Source, c Conditions, now time.Time, loc *time.Location) ([]Match, error) {
	days := c.DaysAhead
	if days <= 0 {
		days = 7
	}
	equipment, err := src.EquipmentDueForMaintenance(ctx, now.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(equipment))
	for _, e := range equipment {
		out = append(out, Match{EntityType: "equipment", EntityID: e.ID, Context: notify.EquipmentContext(e, now, loc)})
	}
	return out, nil
}
