package feed

import (
	"errors"
	"time"
)

// Index collections of the searchable feed models.
const (
	UserCollection  = "users"
	TweetCollection = "tweets"
)

const (
	MaxTweetLength   = 500
	MaxCommentLength = 400
)

var (
	// ErrUserNotFound indicates that no user matches the identifier.
	ErrUserNotFound = errors.New("feed: user not found")
	// ErrTweetNotFound indicates that no tweet matches the identifier.
	ErrTweetNotFound = errors.New("feed: tweet not found")
	// ErrCommentNotFound indicates that no comment matches the identifier.
	ErrCommentNotFound = errors.New("feed: comment not found")
	// ErrInvalidText indicates empty or oversized body text.
	ErrInvalidText = errors.New("feed: invalid text")
	// ErrForbidden indicates that the caller does not own the record.
	ErrForbidden = errors.New("feed: forbidden")
	// ErrParentMismatch indicates a reply whose parent belongs to another tweet.
	ErrParentMismatch = errors.New("feed: comment parent belongs to another tweet")
)

// User is a feed account. Username and showname are mirrored to the index.
type User struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Username         string    `gorm:"column:username;size:64;not null;uniqueIndex"`
	Showname         string    `gorm:"column:showname;size:64"`
	Email            string    `gorm:"column:email;size:320"`
	Bio              string    `gorm:"column:bio;size:280"`
	FilterNSFW       bool      `gorm:"column:filter_nsfw;not null"`
	LastNotifsReadAt time.Time `gorm:"column:last_notifs_read_at"`
	CreatedAt        time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

func (u User) SearchCollection() string {
	return UserCollection
}

func (u User) SearchID() int64 {
	return u.ID
}

func (u User) SearchFields() map[string]string {
	return map[string]string{"username": u.Username, "showname": u.Showname}
}

// Tweet is a top-level post and the root of its comment tree.
type Tweet struct {
	ID                 int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID             int64      `gorm:"column:user_id;not null;index"`
	Textbody           string     `gorm:"column:textbody;size:500;not null"`
	IsNSFW             bool       `gorm:"column:is_nsfw;not null;default:false"`
	IsEdited           bool       `gorm:"column:is_edited;not null;default:false"`
	Stickied           bool       `gorm:"column:stickied;not null;default:false"`
	CommentPathCounter int64      `gorm:"column:comment_path_counter;not null;default:0"`
	CreatedAt          time.Time  `gorm:"column:created_at;not null;index"`
	EditedAt           *time.Time `gorm:"column:edited_at"`
}

// TableName provides the explicit table binding for GORM.
func (Tweet) TableName() string {
	return "tweets"
}

func (t Tweet) SearchCollection() string {
	return TweetCollection
}

func (t Tweet) SearchID() int64 {
	return t.ID
}

func (t Tweet) SearchFields() map[string]string {
	return map[string]string{"textbody": t.Textbody}
}

// Comment is a node of a tweet's comment tree addressed by its path.
type Comment struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TweetID     int64     `gorm:"column:tweet_id;not null;index:idx_comments_tweet_path,priority:1"`
	AuthorID    int64     `gorm:"column:author_id;not null;index"`
	CommenterID int64     `gorm:"column:commenter_id;not null;index"`
	Textbody    string    `gorm:"column:textbody;size:400;not null"`
	Path        string    `gorm:"column:path;size:255;not null;index;index:idx_comments_tweet_path,priority:2"`
	ParentID    *int64    `gorm:"column:parent_id;index"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// ThreadComment pairs a comment with its depth in the tree.
type ThreadComment struct {
	Comment
	Level int
}

// UnreadCountPayload is carried by the unread_notifs_count notification.
type UnreadCountPayload struct {
	Count int64 `json:"count"`
}
