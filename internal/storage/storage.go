package storage

import (
	"context"

	"github.com/trailcam-labs/trailcam-bridge/internal/model"
)

// Store abstracts bridge persistence: the token pair per account, the
// latest-image cache and the coordinator event log.
type Store interface {
	SaveToken(ctx context.Context, accountID string, token *model.Token) error
	LoadToken(ctx context.Context, accountID string) (*model.Token, error)
	ClearToken(ctx context.Context, accountID string) error
	UpsertImage(ctx context.Context, image *model.ImageRecord) error
	ListImages(ctx context.Context) ([]*model.ImageRecord, error)
	DeleteImage(ctx context.Context, deviceID int64) error
	AppendEventLog(ctx context.Context, entry *model.EventLogEntry) error
	ListEventLogs(ctx context.Context) ([]*model.EventLogEntry, error)
	Close() error
}
