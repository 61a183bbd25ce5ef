// Package actor identifies who caused a change: the system itself or a human user.
package actor

import (
	"context"
	"fmt"
	"strings"
)

// Kind distinguishes automated changes from human ones.
type Kind string

const (
	KindSystem Kind = "system"
	KindUser   Kind = "user"
)

// Actor is attached to every status history and sync log row.
// The zero value is the system actor.
type Actor struct {
	kind   Kind
	userID string
}

// System returns the actor used for automatic recomputation and queue draining.
func System() Actor { return Actor{kind: KindSystem} }

// User returns an actor representing the human with the given id.
func User(id string) Actor { return Actor{kind: KindUser, userID: id} }

// Kind returns the actor kind. The zero value reports KindSystem.
func (a Actor) Kind() Kind {
	if a.kind == "" {
		return KindSystem
	}
	return a.kind
}

// IsSystem reports whether a is the system actor.
func (a Actor) IsSystem() bool { return a.Kind() == KindSystem }

// UserID returns the user id, or "" for the system actor.
func (a Actor) UserID() string { return a.userID }

func (a Actor) String() string {
	if a.IsSystem() {
		return string(KindSystem)
	}
	return string(KindUser) + ":" + a.userID
}

// Parse is the inverse of String.
func Parse(s string) (Actor, error) {
	switch {
	case s == "" || s == string(KindSystem):
		return System(), nil
	case strings.HasPrefix(s, string(KindUser)+":"):
		id := strings.TrimPrefix(s, string(KindUser)+":")
		if id == "" {
			return Actor{}, fmt.Errorf("actor %q: empty user id", s)
		}
		return User(id), nil
	default:
		return Actor{}, fmt.Errorf("actor %q: unknown kind", s)
	}
}

// FromColumns rebuilds an actor from its persisted (actor_kind, actor_id) pair.
func FromColumns(kind string, id *string) Actor {
	if Kind(kind) == KindUser && id != nil && *id != "" {
		return User(*id)
	}
	return System()
}

// Columns returns the persisted (actor_kind, actor_id) pair. actor_id is nil
// for the system actor.
func (a Actor) Columns() (string, *string) {
	if a.IsSystem() {
		return string(KindSystem), nil
	}
	id := a.userID
	return string(KindUser), &id
}

// MarshalText encodes a as "system" or "user:<id>".
func (a Actor) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes the MarshalText form.
func (a *Actor) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

type ctxKey struct{}

// WithContext stores a in ctx.
func WithContext(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored in ctx, or System if none is set.
func FromContext(ctx context.Context) Actor {
	if a, ok := ctx.Value(ctxKey{}).(Actor); ok {
		return a
	}
	return System()
}
