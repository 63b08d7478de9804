package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/apperror"
	"github.com/meridianlabs/insight-api/pkg/cache"
	"github.com/meridianlabs/insight-api/pkg/database"
	"github.com/meridianlabs/insight-api/pkg/models"
)

const (
	sessionCacheTTL    = 5 * time.Minute
	permissionCacheTTL = 10 * time.Minute
)

// store loads sessions and role permissions from the CRM database.
type store interface {
	SessionUser(ctx context.Context, token string) (*models.User, time.Time, error)
	RolePermission(ctx context.Context, roleID uuid.UUID, featureKey string) (*models.Permission, error)
}

// Service validates sessions and answers permission checks, caching both in
// redis so every report request does not hit the users tables.
type Service struct {
	store  store
	cache  *cache.Cache
	logger *zap.Logger
}

// NewService creates an auth service backed by the CRM store.
func NewService(db *database.Postgres, c *cache.Cache, logger *zap.Logger) *Service {
	return &Service{
		store:  &pgStore{db: db, logger: logger},
		cache:  c,
		logger: logger,
	}
}

// newServiceWithStore is the test seam.
func newServiceWithStore(s store, c *cache.Cache, logger *zap.Logger) *Service {
	return &Service{store: s, cache: c, logger: logger}
}

type cachedSession struct {
	User      models.User `json:"user"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// ValidateSession resolves a session token to its user. An unknown or
// expired token yields an auth error (401), never a database error.
func (s *Service) ValidateSession(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, apperror.NewAuth("missing session token")
	}

	cacheKey := "session:" + token

	var cached cachedSession
	if err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil {
		if time.Now().After(cached.ExpiresAt) {
			_ = s.cache.Delete(ctx, cacheKey)
			return nil, apperror.NewAuth("session expired")
		}
		return &cached.User, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("session cache lookup failed", zap.Error(err))
	}

	user, expiresAt, err := s.store.SessionUser(ctx, token)
	if err != nil {
		return nil, err
	}
	if time.Now().After(expiresAt) {
		return nil, apperror.NewAuth("session expired")
	}

	ttl := sessionCacheTTL
	if until := time.Until(expiresAt); until < ttl {
		ttl = until
	}
	if err := s.cache.SetJSON(ctx, cacheKey, cachedSession{User: *user, ExpiresAt: expiresAt}, ttl); err != nil {
		s.logger.Warn("failed to cache session", zap.Error(err))
	}

	return user, nil
}

// HasPermission reports whether the role may perform the action on the
// feature. A role with no permission row for the feature is denied.
func (s *Service) HasPermission(ctx context.Context, roleID uuid.UUID, featureKey, action string) (bool, error) {
	cacheKey := fmt.Sprintf("perm:%s:%s", roleID, featureKey)

	var perm models.Permission
	if err := s.cache.GetJSON(ctx, cacheKey, &perm); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("permission cache lookup failed", zap.Error(err))
		}
		loaded, err := s.store.RolePermission(ctx, roleID, featureKey)
		if err != nil {
			return false, err
		}
		if loaded == nil {
			loaded = &models.Permission{RoleID: roleID, FeatureKey: featureKey}
		}
		perm = *loaded
		if err := s.cache.SetJSON(ctx, cacheKey, perm, permissionCacheTTL); err != nil {
			s.logger.Warn("failed to cache permission", zap.Error(err))
		}
	}

	switch action {
	case models.ActionView:
		return perm.CanView, nil
	case models.ActionCreate:
		return perm.CanCreate, nil
	case models.ActionEdit:
		return perm.CanEdit, nil
	case models.ActionDelete:
		return perm.CanDelete, nil
	}
	return false, apperror.NewValidation("unknown permission action %q", action)
}

// InvalidateRole drops cached permissions for a role after an admin change.
func (s *Service) InvalidateRole(ctx context.Context, roleID uuid.UUID, featureKeys ...string) error {
	keys := make([]string, len(featureKeys))
	for i, feature := range featureKeys {
		keys[i] = fmt.Sprintf("perm:%s:%s", roleID, feature)
	}
	return s.cache.Delete(ctx, keys...)
}

// pgStore is the CRM-backed implementation.
type pgStore struct {
	db     *database.Postgres
	logger *zap.Logger
}

func (p *pgStore) SessionUser(ctx context.Context, token string) (*models.User, time.Time, error) {
	const query = `
		SELECT u.id, u.email, u.name, u.role_id, u.created_at, s.expires_at
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.token = $1
	`

	var (
		user      models.User
		expiresAt time.Time
	)
	err := p.db.Pool.QueryRow(ctx, query, token).Scan(
		&user.ID, &user.Email, &user.Name, &user.RoleID, &user.CreatedAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, apperror.NewAuth("invalid session")
		}
		return nil, time.Time{}, apperror.Classify(p.logger, apperror.VendorPostgres, err, query)
	}

	return &user, expiresAt, nil
}

func (p *pgStore) RolePermission(ctx context.Context, roleID uuid.UUID, featureKey string) (*models.Permission, error) {
	const query = `
		SELECT role_id, feature_key, can_view, can_create, can_edit, can_delete
		FROM role_permissions
		WHERE role_id = $1 AND feature_key = $2
	`

	var perm models.Permission
	err := p.db.Pool.QueryRow(ctx, query, roleID, featureKey).Scan(
		&perm.RoleID, &perm.FeatureKey, &perm.CanView, &perm.CanCreate, &perm.CanEdit, &perm.CanDelete,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.Classify(p.logger, apperror.VendorPostgres, err, query)
	}

	return &perm, nil
}
