// Package identity maps opaque session tokens to the caller identity
// (tenant, user, role) handed over by the upstream auth layer.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ptchat/internal/content"
	"ptchat/internal/models"
	"ptchat/internal/storage"

	"github.com/c-pro/geche"
)

const DefaultSessionTTL = 24 * time.Hour

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	SessionTTL  time.Duration `json:"sessionTTL"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("session secret is not a valid base64: %w", err)
	}

	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}

	return nil
}

// Session is returned once on issue. Only a keyed hash of the token is kept.
type Session struct {
	Token     string          `json:"token"`
	ExpiresAt int64           `json:"expiresAt"`
	Identity  models.Identity `json:"identity"`
}

type session struct {
	identity  models.Identity
	expiresAt time.Time
}

type Service struct {
	Config
	storage  *storage.BboltStorage
	sessions geche.Geche[string, session]
	now      func() time.Time
}

func NewService(ctx context.Context, config Config, storage *storage.BboltStorage) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:   config,
		storage:  storage,
		sessions: geche.NewMapTTLCache[string, session](ctx, config.SessionTTL, time.Minute),
		now:      time.Now,
	}, nil
}

func (s *Service) hashToken(token string) string {
	h := hmac.New(sha512.New, s.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func validate(id models.Identity) error {
	if err := content.ValidateID(id.TenantID); err != nil {
		return &models.ValidationError{Field: "tenantId", Reason: err.Error()}
	}
	if err := content.ValidateID(id.UserID); err != nil {
		return &models.ValidationError{Field: "userId", Reason: err.Error()}
	}
	if !id.Role.Valid() {
		return &models.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", id.Role)}
	}
	return nil
}

// Issue records the identity in the tenant's user directory and opens a
// session for it.
func (s *Service) Issue(id models.Identity) (Session, error) {
	if err := validate(id); err != nil {
		return Session{}, err
	}

	id.DisplayName = content.Sanitize(id.DisplayName)
	if id.DisplayName == "" {
		id.DisplayName = id.UserID
	}

	err := s.storage.Update(id.TenantID, func(tx *storage.Tx) error {
		return tx.UpsertUser(id)
	})
	if err != nil {
		return Session{}, fmt.Errorf("failed to save user %s: %w", id.UserID, err)
	}

	token, err := s.generateToken()
	if err != nil {
		return Session{}, err
	}

	expiresAt := s.now().Add(s.SessionTTL)
	s.sessions.Set(s.hashToken(token), session{identity: id, expiresAt: expiresAt})

	slog.Info("session issued", "tenant", id.TenantID, "user_id", id.UserID, "role", id.Role)

	return Session{Token: token, ExpiresAt: expiresAt.Unix(), Identity: id}, nil
}

// Resolve returns the identity behind a live token.
func (s *Service) Resolve(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, ErrUnauthorized
	}
	key := s.hashToken(token)
	sess, err := s.sessions.Get(key)
	if err != nil {
		return models.Identity{}, ErrUnauthorized
	}
	if !s.now().Before(sess.expiresAt) {
		_ = s.sessions.Del(key)
		return models.Identity{}, ErrUnauthorized
	}
	return sess.identity, nil
}

func (s *Service) Revoke(token string) error {
	return s.sessions.Del(s.hashToken(token))
}

func (s *Service) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
