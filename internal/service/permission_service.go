package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-roles-api/internal/models"
)

type permissionReader interface {
	ListByRole(ctx context.Context, role models.Role) ([]string, error)
}

type activeRoleReader interface {
	ActiveRoles(ctx context.Context, userID, institutionID string) ([]models.Role, error)
}

// PermissionService answers permission questions from active role
// assignments. Lookups are cached in Redis; the cache is advisory and every
// miss or Redis failure falls through to the database.
type PermissionService struct {
	permissions permissionReader
	assignments activeRoleReader
	redis       *redis.Client
	ttl         time.Duration
	logger      *zap.Logger
}

// NewPermissionService constructs the permission service. The Redis client
// may be nil, in which case caching is disabled.
func NewPermissionService(permissions permissionReader, assignments activeRoleReader, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *PermissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PermissionService{
		permissions: permissions,
		assignments: assignments,
		redis:       redisClient,
		ttl:         ttl,
		logger:      logger,
	}
}

// HasPermission reports whether any of the user's active roles in the
// institution grants the permission key.
func (s *PermissionService) HasPermission(ctx context.Context, userID, institutionID, permissionKey string) (bool, error) {
	cacheKey := fmt.Sprintf("perm:%s:%s:%s", userID, institutionID, permissionKey)
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, cacheKey).Result()
		if err == nil {
			return cached == "1", nil
		}
		if err != redis.Nil {
			s.logger.Warn("permission cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	roles, err := s.assignments.ActiveRoles(ctx, userID, institutionID)
	if err != nil {
		return false, fmt.Errorf("resolve active roles: %w", err)
	}
	granted := false
	for _, role := range roles {
		keys, err := s.permissions.ListByRole(ctx, role)
		if err != nil {
			return false, err
		}
		for _, key := range keys {
			if key == permissionKey {
				granted = true
				break
			}
		}
		if granted {
			break
		}
	}

	if s.redis != nil {
		value := "0"
		if granted {
			value = "1"
		}
		if err := s.redis.Set(ctx, cacheKey, value, s.ttl).Err(); err != nil {
			s.logger.Warn("permission cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return granted, nil
}

// InvalidateUserCache drops every cached permission answer for the user.
// Called after any role change so stale grants never outlive the TTL.
func (s *PermissionService) InvalidateUserCache(ctx context.Context, userID string) {
	if s.redis == nil {
		return
	}
	pattern := fmt.Sprintf("perm:%s:*", userID)
	iter := s.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("permission cache scan failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		s.logger.Warn("permission cache invalidation failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// ListRolePermissions returns the permission keys granted to a role.
func (s *PermissionService) ListRolePermissions(ctx context.Context, role models.Role) ([]string, error) {
	return s.permissions.ListByRole(ctx, role)
}
