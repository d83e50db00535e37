package recipients

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertflow/internal/domain"
)

type fakeUsers struct {
	users []domain.User
	err   error
	calls [][]string
}

func (f *fakeUsers) ActiveUsersByRoles(_ context.Context, roles []string) ([]domain.User, error) {
	f.calls = append(f.calls, roles)
	if f.err != nil {
		return nil, f.err
	}
	want := map[string]bool{}
	for _, r := range roles {
		want[r] = true
	}
	var out []domain.User
	for _, u := range f.users {
		if want[u.Role] {
			out = append(out, u)
		}
	}
	return out, nil
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: []domain.User{
		{ID: 1, Name: "Ana", Email: "ana@gym.cl", Role: "admin", Status: "Activo"},
		{ID: 2, Name: "Beto", Email: "beto@gym.cl", Role: "manager", Status: "Activo"},
		{ID: 3, Name: "Caro", Email: "caro@gym.cl", Role: "technician", Status: "Activo"},
		{ID: 4, Name: "Sin Mail", Email: "  ", Role: "admin", Status: "Activo"},
	}}
}

func identifiers(rs []domain.Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r.Type) + ":" + r.Identifier
	}
	return out
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		tpl         domain.NotificationTemplate
		participant *domain.Recipient
		want        []string
	}{
		{
			name: "roles only",
			tpl:  domain.NotificationTemplate{RecipientsRoles: `["admin","manager"]`},
			want: []string{"user:1", "user:2"},
		},
		{
			name: "roles and emails",
			tpl:  domain.NotificationTemplate{RecipientsRoles: `["manager"]`, RecipientsEmails: `["ops@gym.cl"]`},
			want: []string{"user:2", "email:ops@gym.cl"},
		},
		{
			name: "literal email matching a user is deduplicated",
			tpl:  domain.NotificationTemplate{RecipientsRoles: `["admin"]`, RecipientsEmails: `["ANA@gym.cl","ops@gym.cl","ops@gym.cl"]`},
			want: []string{"user:1", "email:ops@gym.cl"},
		},
		{
			name:        "participant appended once",
			tpl:         domain.NotificationTemplate{RecipientsRoles: `["technician"]`},
			participant: Participant(3, "Caro", "caro@gym.cl"),
			want:        []string{"user:3"},
		},
		{
			name:        "participant outside roles",
			tpl:         domain.NotificationTemplate{RecipientsRoles: `["manager"]`},
			participant: Participant(9, "Dani", "dani@gym.cl"),
			want:        []string{"user:2", "user:9"},
		},
		{
			name: "malformed roles keep emails",
			tpl:  domain.NotificationTemplate{RecipientsRoles: `["admin"`, RecipientsEmails: `["ops@gym.cl"]`},
			want: []string{"email:ops@gym.cl"},
		},
		{
			name: "malformed emails keep roles",
			tpl:  domain.NotificationTemplate{RecipientsRoles: `["admin"]`, RecipientsEmails: `not json`},
			want: []string{"user:1"},
		},
		{
			name: "invalid literal skipped",
			tpl:  domain.NotificationTemplate{RecipientsEmails: `["not-an-email","x@y.cl"]`},
			want: []string{"email:x@y.cl"},
		},
		{
			name: "empty",
			tpl:  domain.NotificationTemplate{},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(newFakeUsers(), zerolog.Nop())
			got, err := r.Resolve(context.Background(), tt.tpl, tt.participant)
			require.NoError(t, err)
			assert.Equal(t, tt.want, identifiers(got))
		})
	}
}

func TestResolveSkipsLookupWithoutRoles(t *testing.T) {
	users := newFakeUsers()
	r := NewResolver(users, zerolog.Nop())

	_, err := r.Resolve(context.Background(), domain.NotificationTemplate{RecipientsRoles: `[]`}, nil)
	require.NoError(t, err)
	assert.Empty(t, users.calls)
}

func TestResolvePropagatesLookupErrors(t *testing.T) {
	users := &fakeUsers{err: errors.New("db down")}
	r := NewResolver(users, zerolog.Nop())

	_, err := r.Resolve(context.Background(), domain.NotificationTemplate{RecipientsRoles: `["admin"]`}, nil)
	assert.ErrorContains(t, err, "db down")
}

func TestParticipant(t *testing.T) {
	assert.Nil(t, Participant(0, "x", "x@y.cl"))
	assert.Nil(t, Participant(5, "x", ""))
	p := Participant(5, "Eva", " eva@gym.cl ")
	require.NotNil(t, p)
	assert.Equal(t, domain.Recipient{Type: domain.RecipientUser, Identifier: "5", Address: "eva@gym.cl", Name: "Eva"}, *p)
}
