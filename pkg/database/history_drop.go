package database

import (
	"context"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Only delete up to 1000 items in a single DB transaction to avoid lock
// timeouts.
const deleteBatchSize = 1000

// DropQuarantined deletes quarantined snapshots older than retention.
func (db *DB) DropQuarantined(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	deleteStart := now.Add(-retention)

	deleted, err := deleteInBatches(db.g.WithContext(ctx), deleteStart, &QuarantinedSnapshot{})
	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		logger.Infof("deleted %d quarantined snapshots older than %s", deleted, deleteStart.Format(time.RFC3339))
	}

	return deleted, nil
}

// RunQuarantineDrop drops old quarantined snapshots every interval until
// ctx is done.
func (db *DB) RunQuarantineDrop(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := db.DropQuarantined(ctx, retention, time.Now()); err != nil {
			logger.Errorf("DropQuarantined error: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type Deletable interface {
	TimestampQuery() string
}

func deleteInBatches(db *gorm.DB, deleteStart time.Time, entity Deletable) (int64, error) {
	var total int64
	for {
		// postgres has no DELETE ... LIMIT, so select the batch by key
		batch := db.Model(entity).Select("id").Where(entity.TimestampQuery(), deleteStart).Limit(deleteBatchSize)
		result := db.Where("id IN (?)", batch).Delete(entity)

		if result.Error != nil {
			return total, errors.Wrap(result.Error, "Failed to delete quarantined snapshots in the DB")
		}

		if result.RowsAffected == 0 {
			return total, nil
		}
		total += result.RowsAffected
	}
}
