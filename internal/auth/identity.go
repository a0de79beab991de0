package auth

import (
	"context"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/model"
)

type UserLookup interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

// Verifier turns a bearer token into the identity of a known user.
type Verifier struct {
	cfg   TokenConfig
	users UserLookup
}

func NewVerifier(cfg TokenConfig, users UserLookup) *Verifier {
	return &Verifier{cfg: cfg, users: users}
}

func (v *Verifier) TokenConfig() TokenConfig { return v.cfg }

// Verify fails with Unauthenticated for bad tokens and for tokens whose
// subject is not a known user. Store failures keep their own code.
func (v *Verifier) Verify(ctx context.Context, token string) (model.User, error) {
	if token == "" {
		return model.User{}, apperr.New(apperr.Unauthenticated, "Missing token")
	}
	claims, err := VerifyToken(token, v.cfg)
	if err != nil {
		return model.User{}, apperr.Wrap(apperr.Unauthenticated, err, "Invalid authentication token")
	}
	user, err := v.users.GetUser(ctx, claims.UserID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return model.User{}, apperr.Wrap(apperr.Unauthenticated, err, "Unknown user")
		}
		return model.User{}, err
	}
	return user, nil
}
