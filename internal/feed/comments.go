package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/commentpath"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CommentRequest describes a new comment. ParentID is nil for top-level comments.
type CommentRequest struct {
	TweetID     int64
	ParentID    *int64
	CommenterID int64
	Text        string
}

// CreateComment inserts a comment with its final path in one transaction.
// The root tweet's counter is incremented in place before it is read, so the
// write lock orders concurrent commenters on the same tree.
func (s *Service) CreateComment(ctx context.Context, req CommentRequest) (Comment, error) {
	text, err := validateText(req.Text, MaxCommentLength)
	if err != nil {
		return Comment{}, newServiceError(opCreateComment, "invalid_text", err)
	}

	var comment Comment
	var notified []int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rootID := req.TweetID
		parentPath := ""
		var parentCommenterID int64
		if req.ParentID != nil {
			var parent Comment
			if err := tx.Where("id = ?", *req.ParentID).Take(&parent).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return newServiceError(opCreateComment, "parent_not_found", ErrCommentNotFound)
				}
				return newServiceError(opCreateComment, "parent_lookup_failed", err)
			}
			if rootID != 0 && parent.TweetID != rootID {
				return newServiceError(opCreateComment, "comment_parent_mismatch", ErrParentMismatch)
			}
			rootID = parent.TweetID
			parentPath = parent.Path
			parentCommenterID = parent.CommenterID
		}

		var root Tweet
		if err := tx.Where("id = ?", rootID).Take(&root).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opCreateComment, "tweet_not_found", ErrTweetNotFound)
			}
			return newServiceError(opCreateComment, "tweet_lookup_failed", err)
		}

		counter, err := nextCommentCounter(tx, rootID)
		if err != nil {
			return newServiceError(opCreateComment, "counter_increment_failed", err)
		}
		path, err := commentpath.Allocate(parentPath, counter)
		if err != nil {
			return newServiceError(opCreateComment, "path_allocation_failed", err)
		}

		comment = Comment{
			TweetID:     rootID,
			AuthorID:    root.UserID,
			CommenterID: req.CommenterID,
			Textbody:    text,
			Path:        path,
			ParentID:    req.ParentID,
			CreatedAt:   s.clock().UTC(),
		}
		if err := tx.Create(&comment).Error; err != nil {
			return newServiceError(opCreateComment, "insert_failed", err)
		}

		if s.notifier == nil {
			return nil
		}
		for _, recipient := range commentRecipients(req.CommenterID, root.UserID, parentCommenterID) {
			count, err := unreadCount(tx, recipient)
			if err != nil {
				return newServiceError(opCreateComment, "unread_count_failed", err)
			}
			if _, err := s.notifier.NotifyTx(tx, recipient, notifications.NameUnreadNotifsCount, UnreadCountPayload{Count: count}); err != nil {
				return err
			}
			notified = append(notified, recipient)
		}
		return nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			if !errors.Is(err, ErrCommentNotFound) && !errors.Is(err, ErrTweetNotFound) && !errors.Is(err, ErrParentMismatch) {
				s.logError(opCreateComment, serviceErr.Code(), err, zap.Int64("tweet_id", req.TweetID))
			}
			return Comment{}, err
		}
		s.logError(opCreateComment, "transaction_failed", err, zap.Int64("tweet_id", req.TweetID))
		return Comment{}, newServiceError(opCreateComment, "transaction_failed", err)
	}
	for _, recipient := range notified {
		s.notifier.Announce(recipient)
	}
	return comment, nil
}

// Thread returns every comment of a tweet in depth-first path order.
func (s *Service) Thread(ctx context.Context, tweetID int64) ([]ThreadComment, error) {
	var comments []Comment
	if err := s.db.WithContext(ctx).
		Where("tweet_id = ?", tweetID).
		Order("path ASC").
		Find(&comments).Error; err != nil {
		s.logError(opThread, "query_failed", err, zap.Int64("tweet_id", tweetID))
		return nil, newServiceError(opThread, "query_failed", err)
	}
	return withLevels(comments), nil
}

// Replies returns the subtree below a comment, excluding the comment itself.
func (s *Service) Replies(ctx context.Context, commentID int64) ([]ThreadComment, error) {
	var anchor Comment
	err := s.db.WithContext(ctx).Where("id = ?", commentID).Take(&anchor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opReplies, "not_found", ErrCommentNotFound)
	}
	if err != nil {
		s.logError(opReplies, "query_failed", err, zap.Int64("comment_id", commentID))
		return nil, newServiceError(opReplies, "query_failed", err)
	}

	from, to := commentpath.Subtree(anchor.Path)
	var comments []Comment
	if err := s.db.WithContext(ctx).
		Where("tweet_id = ? AND path >= ? AND path < ?", anchor.TweetID, from, to).
		Order("path ASC").
		Find(&comments).Error; err != nil {
		s.logError(opReplies, "query_failed", err, zap.Int64("comment_id", commentID))
		return nil, newServiceError(opReplies, "query_failed", err)
	}
	return withLevels(comments), nil
}

// MarkNotificationsRead resets the user's unread comment counter.
func (s *Service) MarkNotificationsRead(ctx context.Context, userID int64) error {
	var user User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", userID).Take(&user).Error; err != nil {
			return err
		}
		if err := tx.Model(&user).Update("last_notifs_read_at", s.clock().UTC()).Error; err != nil {
			return err
		}
		if s.notifier == nil {
			return nil
		}
		_, err := s.notifier.NotifyTx(tx, userID, notifications.NameUnreadNotifsCount, UnreadCountPayload{Count: 0})
		return err
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opMarkNotifsRead, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opMarkNotifsRead, "update_failed", err, zap.Int64("user_id", userID))
		return newServiceError(opMarkNotifsRead, "update_failed", err)
	}
	if s.notifier != nil {
		s.notifier.Announce(userID)
	}
	return nil
}

// nextCommentCounter increments the root counter and reads it back in tx.
func nextCommentCounter(tx *gorm.DB, tweetID int64) (int64, error) {
	result := tx.Exec("UPDATE tweets SET comment_path_counter = comment_path_counter + 1 WHERE id = ?", tweetID)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: %d", ErrTweetNotFound, tweetID)
	}
	var counter int64
	if err := tx.Raw("SELECT comment_path_counter FROM tweets WHERE id = ?", tweetID).Scan(&counter).Error; err != nil {
		return 0, err
	}
	return counter, nil
}

// commentRecipients lists the users whose unread count a new comment changes:
// the tweet author and, for replies, the author of the parent comment.
func commentRecipients(commenterID, tweetAuthorID, parentCommenterID int64) []int64 {
	recipients := make([]int64, 0, 2)
	for _, userID := range []int64{tweetAuthorID, parentCommenterID} {
		if userID <= 0 || userID == commenterID {
			continue
		}
		if len(recipients) > 0 && recipients[0] == userID {
			continue
		}
		recipients = append(recipients, userID)
	}
	return recipients
}

// unreadCount counts comments from others since the user's last read that
// landed on the user's tweets or replied to one of the user's comments.
func unreadCount(tx *gorm.DB, userID int64) (int64, error) {
	var user User
	if err := tx.Where("id = ?", userID).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var count int64
	err := tx.Model(&Comment{}).
		Where("commenter_id <> ? AND created_at > ?", userID, user.LastNotifsReadAt).
		Where("(author_id = ? OR parent_id IN (SELECT id FROM comments WHERE commenter_id = ?))", userID, userID).
		Count(&count).Error
	return count, err
}

func withLevels(comments []Comment) []ThreadComment {
	thread := make([]ThreadComment, 0, len(comments))
	for _, comment := range comments {
		thread = append(thread, ThreadComment{Comment: comment, Level: commentpath.Level(comment.Path)})
	}
	return thread
}
