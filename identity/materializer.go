package identity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/screenshots-server/claims"
)

// UsernameClaims are consulted in order when deriving a username: GitLab's
// login, GitHub Actions' actor, then a generic email.
var UsernameClaims = []string{"user_login", "actor", "email"}

// EmailClaims are consulted in order for the email of a new user.
var EmailClaims = []string{"user_email", "email"}

// DeriveUsername returns the local username for c, truncated to
// MaxUsernameLength runes. Tokens carrying none of UsernameClaims map to
// "ci-user-<sub>", or "ci-user-unknown" without a subject.
func DeriveUsername(c claims.Set) string {
	username := c.FirstString(UsernameClaims...)
	if username == "" {
		sub := c.Subject()
		if sub == "" {
			sub = "unknown"
		}
		username = "ci-user-" + sub
	}
	return truncate(username, MaxUsernameLength)
}

// Materializer resolves verified claims to a local user, creating the user
// on first sight.
type Materializer struct {
	store Store
	log   *slog.Logger
}

// NewMaterializer returns a Materializer backed by store. logHandler may be
// nil to discard logs.
func NewMaterializer(store Store, logHandler slog.Handler) *Materializer {
	if logHandler == nil {
		logHandler = slog.DiscardHandler
	}
	return &Materializer{store: store, log: slog.New(logHandler)}
}

// Resolve returns the user for c. Existing users are returned as stored;
// email and name claims only seed new records.
func (m *Materializer) Resolve(ctx context.Context, c claims.Set) (*User, error) {
	username := DeriveUsername(c)
	user, created, err := m.store.GetOrCreateUser(ctx, username, Defaults{
		Email:     c.FirstString(EmailClaims...),
		FirstName: truncate(c.String("name"), MaxFirstNameLength),
	})
	if err != nil {
		return nil, fmt.Errorf("identity: get or create %q: %w", username, err)
	}
	if created {
		m.log.InfoContext(ctx, "created user from token", slog.String("username", username), slog.String("iss", c.Issuer()))
	}
	return user, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
