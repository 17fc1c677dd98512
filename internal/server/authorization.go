package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/plangate/internal/authorization"
	obscontext "github.com/smallbiznis/plangate/internal/observability/context"
)

func (s *Server) authorizeAdmin(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeAdminWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeAdminWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, object, action)
}

func actorFromContext(c *gin.Context) (authorization.Actor, bool) {
	if c == nil {
		return authorization.Actor{}, false
	}
	role, id := obscontext.ActorFromContext(c.Request.Context())
	if role == "" {
		return authorization.Actor{}, false
	}
	return authorization.Actor{ID: id, Role: role}, true
}
