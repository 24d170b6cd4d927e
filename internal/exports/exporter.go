// Package exports builds per-user post archives as a background job.
package exports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/jobs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// JobName is the queue name of the export job.
const JobName = "export_posts"

// ErrEmailRequired indicates that the user has no address to deliver the archive to.
var ErrEmailRequired = errors.New("exports: email required")

// Args are the arguments of an export job.
type Args struct {
	UserID int64 `json:"user_id"`
}

// Archive is the exported document.
type Archive struct {
	Posts []ArchivedPost `json:"posts"`
}

// ArchivedPost is one exported tweet.
type ArchivedPost struct {
	Body       string `json:"body"`
	CreatedUTC string `json:"created_utc"`
}

// Config configures an Exporter. ItemInterval throttles work per tweet.
type Config struct {
	Database     *gorm.DB
	Sink         Sink
	ItemInterval time.Duration
	Logger       *zap.Logger
}

// Exporter implements the export job handler.
type Exporter struct {
	db       *gorm.DB
	sink     Sink
	interval time.Duration
	logger   *zap.Logger
}

func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Database == nil {
		return nil, errors.New("exports: database handle is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("exports: sink is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{db: cfg.Database, sink: cfg.Sink, interval: cfg.ItemInterval, logger: logger}, nil
}

// Register binds the exporter to the queue under JobName.
func (e *Exporter) Register(queue interface {
	Register(name string, handler jobs.Handler) error
}) error {
	return queue.Register(JobName, e.Handle)
}

// CheckEligible reports whether user can request an export.
func CheckEligible(user feed.User) error {
	if strings.TrimSpace(user.Email) == "" {
		return ErrEmailRequired
	}
	return nil
}

// Handle exports the user's tweets oldest first and hands the archive to the sink.
func (e *Exporter) Handle(ctx context.Context, job jobs.Job, reporter jobs.Reporter) error {
	var args Args
	if err := job.DecodeArgs(&args); err != nil {
		return fmt.Errorf("exports: decode args: %w", err)
	}
	var user feed.User
	if err := e.db.WithContext(ctx).Where("id = ?", args.UserID).Take(&user).Error; err != nil {
		return fmt.Errorf("exports: load user %d: %w", args.UserID, err)
	}
	if err := CheckEligible(user); err != nil {
		return err
	}
	if err := reporter.ReportProgress(ctx, 0); err != nil {
		return err
	}

	var tweets []feed.Tweet
	if err := e.db.WithContext(ctx).
		Where("user_id = ?", user.ID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&tweets).Error; err != nil {
		return fmt.Errorf("exports: load tweets: %w", err)
	}

	limit := rate.Inf
	if e.interval > 0 {
		limit = rate.Every(e.interval)
	}
	limiter := rate.NewLimiter(limit, 1)
	archive := Archive{Posts: make([]ArchivedPost, 0, len(tweets))}
	for i, tweet := range tweets {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		archive.Posts = append(archive.Posts, ArchivedPost{
			Body:       tweet.Textbody,
			CreatedUTC: tweet.CreatedAt.UTC().Format(time.RFC3339),
		})
		if err := reporter.ReportProgress(ctx, 100*(i+1)/len(tweets)); err != nil {
			return err
		}
	}

	encoded, err := json.MarshalIndent(archive, "", "    ")
	if err != nil {
		return fmt.Errorf("exports: encode archive: %w", err)
	}
	key := ArchiveKey(user.ID, job.ID)
	if err := e.sink.Put(ctx, key, encoded); err != nil {
		return err
	}
	e.logger.Info("posts exported",
		zap.Int64("user_id", user.ID),
		zap.String("job_id", job.ID),
		zap.Int("posts", len(archive.Posts)),
		zap.String("key", key))
	return nil
}

// ArchiveKey is the sink key of a user's export.
func ArchiveKey(userID int64, jobID string) string {
	return fmt.Sprintf("exports/%d/%s/posts.json", userID, jobID)
}
