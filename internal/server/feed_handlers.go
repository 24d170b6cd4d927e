package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/commentpath"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type tweetPayload struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Textbody  string     `json:"textbody"`
	IsNSFW    bool       `json:"is_nsfw"`
	IsEdited  bool       `json:"is_edited"`
	Stickied  bool       `json:"stickied"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
}

type userPayload struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Showname string `json:"showname"`
	Bio      string `json:"bio"`
}

type commentPayload struct {
	ID          int64     `json:"id"`
	TweetID     int64     `json:"tweet_id"`
	ParentID    *int64    `json:"parent_id"`
	CommenterID int64     `json:"commenter_id"`
	Textbody    string    `json:"textbody"`
	Path        string    `json:"path"`
	Level       int       `json:"level"`
	CreatedAt   time.Time `json:"created_at"`
}

type searchSectionPayload[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

type searchResponsePayload struct {
	Query  string                             `json:"query"`
	Page   int                                `json:"page"`
	Tweets searchSectionPayload[tweetPayload] `json:"tweets"`
	Users  searchSectionPayload[userPayload]  `json:"users"`
}

type tweetRequestPayload struct {
	Textbody string `json:"textbody"`
	IsNSFW   bool   `json:"is_nsfw"`
}

type commentRequestPayload struct {
	Textbody string `json:"textbody"`
	ParentID *int64 `json:"parent_id"`
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	viewer, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}
	page := parsePage(c.Query("page"))

	tweets, err := h.feed.SearchTweets(c.Request.Context(), viewer, query, page)
	if err != nil {
		h.logger.Error("tweet search failed", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "search_failed", err)
		return
	}
	users, err := h.feed.SearchUsers(c.Request.Context(), viewer, query, page)
	if err != nil {
		h.logger.Error("user search failed", zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, "search_failed", err)
		return
	}

	response := searchResponsePayload{
		Query:  query,
		Page:   tweets.Page,
		Tweets: searchSectionPayload[tweetPayload]{Items: make([]tweetPayload, 0, len(tweets.Items)), Total: tweets.Total},
		Users:  searchSectionPayload[userPayload]{Items: make([]userPayload, 0, len(users.Items)), Total: users.Total},
	}
	for _, tweet := range tweets.Items {
		response.Tweets.Items = append(response.Tweets.Items, newTweetPayload(tweet))
	}
	for _, user := range users.Items {
		response.Users.Items = append(response.Users.Items, newUserPayload(user))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateTweet(c *gin.Context) {
	author, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request tweetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tweet, err := h.feed.CreateTweet(c.Request.Context(), author.ID, feed.TweetRequest{Text: request.Textbody, IsNSFW: request.IsNSFW})
	if err != nil {
		h.respondFeedError(c, "create_tweet_failed", err)
		return
	}
	c.JSON(http.StatusCreated, newTweetPayload(tweet))
}

func (h *httpHandler) handleGetTweet(c *gin.Context) {
	tweetID, ok := pathID(c)
	if !ok {
		return
	}
	tweet, err := h.feed.GetTweet(c.Request.Context(), tweetID)
	if err != nil {
		h.respondFeedError(c, "get_tweet_failed", err)
		return
	}
	c.JSON(http.StatusOK, newTweetPayload(tweet))
}

func (h *httpHandler) handleEditTweet(c *gin.Context) {
	editor, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	tweetID, ok := pathID(c)
	if !ok {
		return
	}
	var request tweetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tweet, err := h.feed.EditTweet(c.Request.Context(), editor.ID, tweetID, feed.TweetRequest{Text: request.Textbody, IsNSFW: request.IsNSFW})
	if err != nil {
		h.respondFeedError(c, "edit_tweet_failed", err)
		return
	}
	c.JSON(http.StatusOK, newTweetPayload(tweet))
}

func (h *httpHandler) handleDeleteTweet(c *gin.Context) {
	requester, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	tweetID, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.feed.DeleteTweet(c.Request.Context(), requester.ID, tweetID); err != nil {
		h.respondFeedError(c, "delete_tweet_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListUserTweets(c *gin.Context) {
	authorID, ok := pathID(c)
	if !ok {
		return
	}
	tweets, err := h.feed.ListUserTweets(c.Request.Context(), authorID, parsePage(c.Query("page")))
	if err != nil {
		h.respondFeedError(c, "list_tweets_failed", err)
		return
	}
	payload := make([]tweetPayload, 0, len(tweets))
	for _, tweet := range tweets {
		payload = append(payload, newTweetPayload(tweet))
	}
	c.JSON(http.StatusOK, gin.H{"tweets": payload})
}

func (h *httpHandler) handleThread(c *gin.Context) {
	tweetID, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.feed.GetTweet(c.Request.Context(), tweetID); err != nil {
		h.respondFeedError(c, "thread_failed", err)
		return
	}
	comments, err := h.feed.Thread(c.Request.Context(), tweetID)
	if err != nil {
		h.respondFeedError(c, "thread_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": newCommentPayloads(comments)})
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	commenter, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	tweetID, ok := pathID(c)
	if !ok {
		return
	}
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.feed.CreateComment(c.Request.Context(), feed.CommentRequest{
		TweetID:     tweetID,
		ParentID:    request.ParentID,
		CommenterID: commenter.ID,
		Text:        request.Textbody,
	})
	if err != nil {
		h.respondFeedError(c, "create_comment_failed", err)
		return
	}
	c.JSON(http.StatusCreated, newCommentPayload(feed.ThreadComment{Comment: comment, Level: commentpath.Level(comment.Path)}))
}

func (h *httpHandler) handleReplies(c *gin.Context) {
	commentID, ok := pathID(c)
	if !ok {
		return
	}
	replies, err := h.feed.Replies(c.Request.Context(), commentID)
	if err != nil {
		h.respondFeedError(c, "replies_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": newCommentPayloads(replies)})
}

func (h *httpHandler) respondFeedError(c *gin.Context, reason string, err error) {
	switch {
	case errors.Is(err, feed.ErrInvalidText):
		h.respondError(c, http.StatusBadRequest, "invalid_text", err)
	case errors.Is(err, feed.ErrParentMismatch):
		h.respondError(c, http.StatusBadRequest, "parent_mismatch", err)
	case errors.Is(err, feed.ErrForbidden):
		h.respondError(c, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, feed.ErrTweetNotFound):
		h.respondError(c, http.StatusNotFound, "tweet_not_found", err)
	case errors.Is(err, feed.ErrCommentNotFound):
		h.respondError(c, http.StatusNotFound, "comment_not_found", err)
	case errors.Is(err, feed.ErrUserNotFound):
		h.respondError(c, http.StatusNotFound, "user_not_found", err)
	default:
		h.logger.Error("feed request failed", zap.String("reason", reason), zap.Error(err))
		h.respondError(c, http.StatusInternalServerError, reason, err)
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return id, true
}

func parsePage(raw string) int {
	page, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func newTweetPayload(tweet feed.Tweet) tweetPayload {
	return tweetPayload{
		ID:        tweet.ID,
		UserID:    tweet.UserID,
		Textbody:  tweet.Textbody,
		IsNSFW:    tweet.IsNSFW,
		IsEdited:  tweet.IsEdited,
		Stickied:  tweet.Stickied,
		CreatedAt: tweet.CreatedAt.UTC(),
		EditedAt:  tweet.EditedAt,
	}
}

func newUserPayload(user feed.User) userPayload {
	return userPayload{ID: user.ID, Username: user.Username, Showname: user.Showname, Bio: user.Bio}
}

func newCommentPayload(comment feed.ThreadComment) commentPayload {
	return commentPayload{
		ID:          comment.ID,
		TweetID:     comment.TweetID,
		ParentID:    comment.ParentID,
		CommenterID: comment.CommenterID,
		Textbody:    comment.Textbody,
		Path:        comment.Path,
		Level:       comment.Level,
		CreatedAt:   comment.CreatedAt.UTC(),
	}
}

func newCommentPayloads(comments []feed.ThreadComment) []commentPayload {
	payload := make([]commentPayload, 0, len(comments))
	for _, comment := range comments {
		payload = append(payload, newCommentPayload(comment))
	}
	return payload
}
