package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/hub"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/middleware"
	"pawkeeper-live/internal/model"
)

type UserLookup interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.Internal || code == apperr.Unavailable {
		lg := logging.Ctx(c.Request.Context())
		userID, _ := middleware.UserIDFromContext(c)
		lg.Error().Err(err).Str(logging.FieldUserID, userID).
			Str(logging.FieldPath, c.FullPath()).Msg("request failed")
	}
	public := apperr.Public(err)
	c.JSON(apperr.HTTPStatus(code), gin.H{"error": public.Message, "code": public.Code})
}

// actor resolves the authenticated caller. HTTP callers have no connection.
func actor(c *gin.Context, users UserLookup) (hub.Actor, bool) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		respondError(c, apperr.New(apperr.Unauthenticated, "Invalid authentication token"))
		return hub.Actor{}, false
	}
	user, err := users.GetUser(c.Request.Context(), userID)
	if apperr.Is(err, apperr.NotFound) {
		respondError(c, apperr.New(apperr.Unauthenticated, "Unknown user"))
		return hub.Actor{}, false
	}
	if err != nil {
		respondError(c, err)
		return hub.Actor{}, false
	}
	return hub.Actor{User: user}, true
}

// bindJSON decodes the request body into v and answers 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, apperr.Wrap(apperr.InvalidArgument, err, "Invalid request"))
		return false
	}
	return true
}

// bindQuery decodes the query string into v and answers 400 on failure.
func bindQuery(c *gin.Context, v any) bool {
	if err := c.ShouldBindQuery(v); err != nil {
		respondError(c, apperr.Wrap(apperr.InvalidArgument, err, "Invalid query"))
		return false
	}
	return true
}

type limitQuery struct {
	Limit int `form:"limit"`
}

func respondOK(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}
