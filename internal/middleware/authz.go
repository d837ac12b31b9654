package middleware

import (
	"github.com/lumen-commerce/commerce_layer/internal/domain/identity"
	"github.com/lumen-commerce/commerce_layer/internal/errors"
)

// Authorize decides whether actor may use a route on surface. It is total
// over every (surface, actor kind) pair; anything not explicitly permitted is
// denied.
func Authorize(surface identity.Surface, actor identity.Actor, requireAuth bool, allowedRoles []string) error {
	if err := authorizeKind(surface, actor.Kind(), requireAuth || len(allowedRoles) > 0); err != nil {
		return err
	}
	if len(allowedRoles) == 0 {
		return nil
	}
	for _, role := range allowedRoles {
		if actor.Role() == role {
			return nil
		}
	}
	return errors.Forbidden("Insufficient role")
}

func authorizeKind(surface identity.Surface, kind identity.ActorKind, requireAuth bool) error {
	switch surface {
	case identity.SurfaceSite:
		switch kind {
		case identity.KindAnonymous:
			if requireAuth {
				return errors.AuthRequired()
			}
			return nil
		case identity.KindClientUser, identity.KindAdminUser:
			return nil
		}
	case identity.SurfaceClient:
		switch kind {
		case identity.KindAnonymous:
			if requireAuth {
				return errors.AuthRequired()
			}
			return nil
		case identity.KindClientUser:
			return nil
		case identity.KindAdminUser:
			return errors.Forbidden("Actor not permitted on this surface")
		}
	case identity.SurfaceAdmin:
		switch kind {
		case identity.KindAnonymous:
			if requireAuth {
				return errors.AuthRequired()
			}
			return nil
		case identity.KindAdminUser:
			return nil
		case identity.KindClientUser:
			return errors.Forbidden("Actor not permitted on this surface")
		}
	}
	return errors.Forbidden("")
}
