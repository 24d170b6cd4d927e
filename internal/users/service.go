package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const maxUsernameLength = 32

// ServiceConfig describes the dependencies required for user resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps validated sessions onto feed users.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the resolution service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveUser returns the feed user behind the session claims, creating the
// user and its identity mapping the first time the login is seen. The user
// insert flows through the search observer like any other write.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (feed.User, error) {
	provider, subject := claims.Login()
	if subject == "" {
		return feed.User{}, ErrInvalidIdentity
	}
	cacheKey := provider + ":" + subject
	db := s.db.WithContext(ctx)

	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(int64); ok {
			var user feed.User
			err := db.Where("id = ?", userID).Take(&user).Error
			if err == nil {
				return user, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return feed.User{}, err
			}
			s.cache.Delete(cacheKey)
		}
	}

	var user feed.User
	err := db.Transaction(func(tx *gorm.DB) error {
		var identity Identity
		err := tx.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error
		switch {
		case err == nil:
			if err := tx.Model(&Identity{}).
				Where("provider = ? AND subject = ?", provider, subject).
				Update("last_seen_at", s.now().UTC()).Error; err != nil {
				return err
			}
			return tx.Where("id = ?", identity.UserID).Take(&user).Error
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		username, err := s.uniqueUsername(tx, usernameCandidate(claims, subject))
		if err != nil {
			return err
		}
		now := s.now().UTC()
		user = feed.User{
			Username:   username,
			Showname:   showname(claims, username),
			Email:      normalize(claims.UserEmail),
			FilterNSFW: true,
			CreatedAt:  now,
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		identity = Identity{
			Provider:   provider,
			Subject:    subject,
			UserID:     user.ID,
			Email:      user.Email,
			LastSeenAt: now,
			CreatedAt:  now,
		}
		return tx.Create(&identity).Error
	})
	if err != nil {
		s.logger.Error("resolve user failed", zap.String("provider", provider), zap.Error(err))
		return feed.User{}, err
	}

	s.cache.Store(cacheKey, user.ID)
	return user, nil
}

func (s *Service) uniqueUsername(tx *gorm.DB, base string) (string, error) {
	candidate := base
	for suffix := 2; ; suffix++ {
		var count int64
		if err := tx.Model(&feed.User{}).Where("username = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		tail := fmt.Sprintf("%d", suffix)
		head := base
		if len(head)+len(tail) > maxUsernameLength {
			head = head[:maxUsernameLength-len(tail)]
		}
		candidate = head + tail
	}
}

func usernameCandidate(claims auth.SessionClaims, subject string) string {
	source := normalize(claims.UserDisplayName)
	if source == "" {
		source = normalize(claims.UserEmail)
		if at := strings.Index(source, "@"); at > 0 {
			source = source[:at]
		}
	}
	if source == "" {
		source = "user" + subject
	}
	var builder strings.Builder
	for _, r := range strings.ToLower(source) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			builder.WriteRune(r)
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			builder.WriteRune('_')
		}
		if builder.Len() >= maxUsernameLength {
			break
		}
	}
	username := strings.Trim(builder.String(), "_")
	if username == "" {
		username = "user"
	}
	return username
}

func showname(claims auth.SessionClaims, username string) string {
	if display := normalize(claims.UserDisplayName); display != "" {
		return display
	}
	return username
}
