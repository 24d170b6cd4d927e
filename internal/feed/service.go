package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/search"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingIndex    = errors.New("search index is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "feed.service.new"
	opGetUser        = "feed.get_user"
	opGetTweet       = "feed.get_tweet"
	opCreateTweet    = "feed.create_tweet"
	opEditTweet      = "feed.edit_tweet"
	opDeleteTweet    = "feed.delete_tweet"
	opListTweets     = "feed.list_tweets"
	opSearchTweets   = "feed.search_tweets"
	opSearchUsers    = "feed.search_users"
	opCreateComment  = "feed.create_comment"
	opThread         = "feed.thread"
	opReplies        = "feed.replies"
	opMarkNotifsRead = "feed.mark_notifications_read"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Notifier writes replace-on-write notifications inside a transaction.
type Notifier interface {
	NotifyTx(tx *gorm.DB, userID int64, name string, payload any) (notifications.Notification, error)
	Announce(userID int64)
}

type ServiceConfig struct {
	Database      *gorm.DB
	Index         search.Index
	Notifications Notifier
	PageSize      int
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service implements tweets, comment trees and feed search.
type Service struct {
	db       *gorm.DB
	index    search.Index
	notifier Notifier
	pageSize int
	clock    func() time.Time
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Index == nil {
		return nil, newServiceError(opServiceNew, "missing_index", errMissingIndex)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = search.DefaultPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		index:    cfg.Index,
		notifier: cfg.Notifications,
		pageSize: pageSize,
		clock:    clock,
		logger:   logger,
	}, nil
}

// PageSize is the number of records per listing or search page.
func (s *Service) PageSize() int {
	return s.pageSize
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opGetUser, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGetUser, "query_failed", err, zap.Int64("user_id", userID))
		return User{}, newServiceError(opGetUser, "query_failed", err)
	}
	return user, nil
}

// TweetRequest carries the author-controlled fields of a tweet.
type TweetRequest struct {
	Text   string
	IsNSFW bool
}

// CreateTweet stores a new tweet; the observer mirrors it to the index on commit.
func (s *Service) CreateTweet(ctx context.Context, authorID int64, req TweetRequest) (Tweet, error) {
	text, err := validateText(req.Text, MaxTweetLength)
	if err != nil {
		return Tweet{}, newServiceError(opCreateTweet, "invalid_text", err)
	}
	tweet := Tweet{
		UserID:    authorID,
		Textbody:  text,
		IsNSFW:    req.IsNSFW,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&tweet).Error; err != nil {
		s.logError(opCreateTweet, "insert_failed", err, zap.Int64("user_id", authorID))
		return Tweet{}, newServiceError(opCreateTweet, "insert_failed", err)
	}
	return tweet, nil
}

// EditTweet replaces the body of a tweet owned by editorID.
func (s *Service) EditTweet(ctx context.Context, editorID, tweetID int64, req TweetRequest) (Tweet, error) {
	text, err := validateText(req.Text, MaxTweetLength)
	if err != nil {
		return Tweet{}, newServiceError(opEditTweet, "invalid_text", err)
	}
	tweet, err := s.loadOwnedTweet(ctx, opEditTweet, editorID, tweetID)
	if err != nil {
		return Tweet{}, err
	}
	editedAt := s.clock().UTC()
	if err := s.db.WithContext(ctx).Model(&tweet).Updates(map[string]any{
		"textbody":  text,
		"is_nsfw":   req.IsNSFW,
		"is_edited": true,
		"edited_at": editedAt,
	}).Error; err != nil {
		s.logError(opEditTweet, "update_failed", err, zap.Int64("tweet_id", tweetID))
		return Tweet{}, newServiceError(opEditTweet, "update_failed", err)
	}
	tweet.Textbody = text
	tweet.IsNSFW = req.IsNSFW
	tweet.IsEdited = true
	tweet.EditedAt = &editedAt
	return tweet, nil
}

// DeleteTweet removes a tweet owned by requesterID together with its comments.
func (s *Service) DeleteTweet(ctx context.Context, requesterID, tweetID int64) error {
	tweet, err := s.loadOwnedTweet(ctx, opDeleteTweet, requesterID, tweetID)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tweet_id = ?", tweet.ID).Delete(&Comment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&tweet).Error
	})
	if err != nil {
		s.logError(opDeleteTweet, "delete_failed", err, zap.Int64("tweet_id", tweetID))
		return newServiceError(opDeleteTweet, "delete_failed", err)
	}
	return nil
}

// GetTweet loads a tweet by id.
func (s *Service) GetTweet(ctx context.Context, tweetID int64) (Tweet, error) {
	var tweet Tweet
	err := s.db.WithContext(ctx).Where("id = ?", tweetID).Take(&tweet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tweet{}, newServiceError(opGetTweet, "not_found", ErrTweetNotFound)
	}
	if err != nil {
		s.logError(opGetTweet, "query_failed", err, zap.Int64("tweet_id", tweetID))
		return Tweet{}, newServiceError(opGetTweet, "query_failed", err)
	}
	return tweet, nil
}

// ListUserTweets returns a page of the author's tweets, stickied first, newest next.
func (s *Service) ListUserTweets(ctx context.Context, authorID int64, page int) ([]Tweet, error) {
	if page < 1 {
		page = 1
	}
	var tweets []Tweet
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", authorID).
		Order("stickied DESC").
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * s.pageSize).
		Limit(s.pageSize).
		Find(&tweets).Error; err != nil {
		s.logError(opListTweets, "query_failed", err, zap.Int64("user_id", authorID))
		return nil, newServiceError(opListTweets, "query_failed", err)
	}
	return tweets, nil
}

// SearchTweets runs a ranked tweet search, hiding NSFW tweets from viewers who filter them.
func (s *Service) SearchTweets(ctx context.Context, viewer User, query string, page int) (search.Page[Tweet], error) {
	var scopes []func(*gorm.DB) *gorm.DB
	if viewer.FilterNSFW {
		scopes = append(scopes, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("is_nsfw = ?", false)
		})
	}
	result, err := search.Materialize[Tweet](ctx, s.db, s.index, search.MaterializeRequest{
		Collection: TweetCollection,
		Expression: query,
		Page:       page,
		PageSize:   s.pageSize,
	}, scopes...)
	if err != nil {
		s.logError(opSearchTweets, "query_failed", err, zap.String("query", query))
		return result, newServiceError(opSearchTweets, "query_failed", err)
	}
	return result, nil
}

// SearchUsers runs a ranked user search that never returns the viewer.
func (s *Service) SearchUsers(ctx context.Context, viewer User, query string, page int) (search.Page[User], error) {
	excludeViewer := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id <> ?", viewer.ID)
	}
	result, err := search.Materialize[User](ctx, s.db, s.index, search.MaterializeRequest{
		Collection: UserCollection,
		Expression: query,
		Page:       page,
		PageSize:   s.pageSize,
	}, excludeViewer)
	if err != nil {
		s.logError(opSearchUsers, "query_failed", err, zap.String("query", query))
		return result, newServiceError(opSearchUsers, "query_failed", err)
	}
	return result, nil
}

func (s *Service) loadOwnedTweet(ctx context.Context, operation string, ownerID, tweetID int64) (Tweet, error) {
	var tweet Tweet
	err := s.db.WithContext(ctx).Where("id = ?", tweetID).Take(&tweet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Tweet{}, newServiceError(operation, "not_found", ErrTweetNotFound)
	}
	if err != nil {
		s.logError(operation, "query_failed", err, zap.Int64("tweet_id", tweetID))
		return Tweet{}, newServiceError(operation, "query_failed", err)
	}
	if tweet.UserID != ownerID {
		return Tweet{}, newServiceError(operation, "forbidden", ErrForbidden)
	}
	return tweet, nil
}

func validateText(raw string, limit int) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidText)
	}
	if utf8.RuneCountInString(text) > limit {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidText, limit)
	}
	return text, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	logger.Error("feed service error", attrs...)
}
