// Package identity defines surfaces and the actors that act on them.
package identity

import (
	"fmt"
	"strings"
)

// Surface is one of the independently deployed front-facing surfaces.
type Surface string

const (
	SurfaceSite   Surface = "site"
	SurfaceClient Surface = "client"
	SurfaceAdmin  Surface = "admin"
)

// Surfaces lists every surface in registration order.
var Surfaces = []Surface{SurfaceSite, SurfaceClient, SurfaceAdmin}

// ParseSurface converts s into a Surface.
func ParseSurface(s string) (Surface, error) {
	switch Surface(strings.ToLower(strings.TrimSpace(s))) {
	case SurfaceSite:
		return SurfaceSite, nil
	case SurfaceClient:
		return SurfaceClient, nil
	case SurfaceAdmin:
		return SurfaceAdmin, nil
	default:
		return "", fmt.Errorf("unknown surface %q", s)
	}
}

// Valid reports whether s is a known surface.
func (s Surface) Valid() bool {
	_, err := ParseSurface(string(s))
	return err == nil
}

func (s Surface) String() string { return string(s) }

// ActorKind is the variant tag of an Actor.
type ActorKind int

const (
	KindAnonymous ActorKind = iota
	KindClientUser
	KindAdminUser
)

func (k ActorKind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindClientUser:
		return "client_user"
	case KindAdminUser:
		return "admin_user"
	default:
		return "unknown"
	}
}

// ParseActorKind converts the persisted form of an actor kind.
func ParseActorKind(s string) (ActorKind, error) {
	switch s {
	case "client_user":
		return KindClientUser, nil
	case "admin_user":
		return KindAdminUser, nil
	case "anonymous":
		return KindAnonymous, nil
	default:
		return KindAnonymous, fmt.Errorf("unknown actor kind %q", s)
	}
}

// Actor is the identity attached to one request. Values are immutable; the
// zero value is Anonymous.
type Actor struct {
	kind ActorKind
	id   string
	role string
}

// Anonymous returns the unauthenticated actor.
func Anonymous() Actor { return Actor{} }

// ClientUser returns an authenticated client-surface actor.
func ClientUser(id, role string) Actor {
	return Actor{kind: KindClientUser, id: id, role: role}
}

// AdminUser returns an authenticated admin-surface actor.
func AdminUser(id, role string) Actor {
	return Actor{kind: KindAdminUser, id: id, role: role}
}

// NewActor builds an actor of the given kind. Anonymous ignores id and role.
func NewActor(kind ActorKind, id, role string) Actor {
	switch kind {
	case KindClientUser:
		return ClientUser(id, role)
	case KindAdminUser:
		return AdminUser(id, role)
	default:
		return Anonymous()
	}
}

func (a Actor) Kind() ActorKind { return a.kind }
func (a Actor) ID() string { return a.id }
func (a Actor) Role() string { return a.role }
func (a Actor) IsAnonymous() bool { return a.kind == KindAnonymous }
func (a Actor) IsAuthenticated() bool { return a.kind != KindAnonymous }

// MarshalView renders the actor for response bodies.
func (a Actor) MarshalView() map[string]interface{} {
	if a.IsAnonymous() {
		return map[string]interface{}{"kind": a.kind.String()}
	}
	return map[string]interface{}{
		"kind": a.kind.String(),
		"id":   a.id,
		"role": a.role,
	}
}
