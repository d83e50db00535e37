// Package recipients turns a template's recipient declarations into a
// deduplicated delivery list.
package recipients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"alertflow/internal/domain"
)

// UserSource looks up active users with an email address by role.
type UserSource interface {
	ActiveUsersByRoles(ctx context.Context, roles []string) ([]domain.User, error)
}

type Resolver struct {
	users UserSource
	log   zerolog.Logger
}

func NewResolver(users UserSource, log zerolog.Logger) *Resolver {
	return &Resolver{users: users, log: log.With().Str("component", "recipients").Logger()}
}

// Participant builds the recipient entry for a user tied to the entity, such
// as the technician assigned to a ticket. It returns nil when the user has no
// address.
func Participant(userID int64, name, email string) *domain.Recipient {
	email = strings.TrimSpace(email)
	if userID <= 0 || email == "" {
		return nil
	}
	return &domain.Recipient{
		Type:       domain.RecipientUser,
		Identifier: strconv.FormatInt(userID, 10),
		Address:    email,
		Name:       name,
	}
}

// Resolve expands the template's roles and literal emails, then appends the
// optional participant. Each recipient appears once, keyed both by
// (type, identifier) and by address.
func (r *Resolver) Resolve(ctx context.Context, tpl domain.NotificationTemplate, participant *domain.Recipient) ([]domain.Recipient, error) {
	set := newRecipientSet()

	roles := r.decodeList(tpl, "recipients_roles", tpl.RecipientsRoles)
	if len(roles) > 0 {
		users, err := r.users.ActiveUsersByRoles(ctx, roles)
		if err != nil {
			return nil, fmt.Errorf("resolve roles for template %d: %w", tpl.ID, err)
		}
		for _, u := range users {
			if strings.TrimSpace(u.Email) == "" {
				continue
			}
			set.add(domain.Recipient{
				Type:       domain.RecipientUser,
				Identifier: strconv.FormatInt(u.ID, 10),
				Address:    strings.TrimSpace(u.Email),
				Name:       u.Name,
			})
		}
	}

	for _, raw := range r.decodeList(tpl, "recipients_emails", tpl.RecipientsEmails) {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			r.log.Warn().Int64("template_id", tpl.ID).Str("email", raw).Msg("skipping invalid recipient email")
			continue
		}
		set.add(domain.Recipient{
			Type:       domain.RecipientEmail,
			Identifier: addr.Address,
			Address:    addr.Address,
			Name:       addr.Name,
		})
	}

	if participant != nil && participant.Address != "" {
		set.add(*participant)
	}
	return set.list, nil
}

// decodeList parses a JSON string array. Malformed input is logged and
// yields nothing for that field only.
func (r *Resolver) decodeList(tpl domain.NotificationTemplate, field, raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		r.log.Warn().Err(err).Int64("template_id", tpl.ID).Str("field", field).Msg("malformed recipient list")
		return nil
	}
	out := items[:0]
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

type recipientSet struct {
	list  []domain.Recipient
	ids   map[string]bool
	addrs map[string]bool
}

func newRecipientSet() *recipientSet {
	return &recipientSet{ids: map[string]bool{}, addrs: map[string]bool{}}
}

func (s *recipientSet) add(rc domain.Recipient) {
	id := string(rc.Type) + ":" + rc.Identifier
	addr := strings.ToLower(rc.Address)
	if s.ids[id] || (addr != "" && s.addrs[addr]) {
		return
	}
	s.ids[id] = true
	if addr != "" {
		s.addrs[addr] = true
	}
	s.list = append(s.list, rc)
}
