package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

// Activities
const (
	sqlInsertActivity = `INSERT OR IGNORE INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json,
		audience_json, processed, sensitive, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, COALESCE(object_uri, ''), raw_json,
		COALESCE(audience_json, ''), processed, sensitive, local, created_at FROM activities WHERE activity_uri = ?`
	sqlCountActivityByURI  = `SELECT COUNT(*) FROM activities WHERE activity_uri = ?`
	sqlMarkActivityDone    = `UPDATE activities SET processed = 1 WHERE activity_uri = ?`
)

// Delivery queue
const (
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, activity_uri, object_uri, actor_uri, inbox_uri, activity_json,
		attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	deliveryColumns          = `id, activity_uri, object_uri, actor_uri, inbox_uri, activity_json, attempts, next_retry_at, created_at`
	sqlSelectDeliveryById    = `SELECT ` + deliveryColumns + ` FROM delivery_queue WHERE id = ?`
	sqlSelectPendingDelivery = `SELECT ` + deliveryColumns + ` FROM delivery_queue
		WHERE next_retry_at <= ? ORDER BY created_at, rowid LIMIT ?`
	// Rowids grow with insertion, so they order rows submitted within the same instant.
	sqlCountEarlierDelivery = `SELECT COUNT(*) FROM delivery_queue
		WHERE object_uri = ? AND inbox_uri = ? AND id != ?
		AND rowid < (SELECT rowid FROM delivery_queue WHERE id = ?)`
	sqlUpdateDeliveryAttempt = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery        = `DELETE FROM delivery_queue WHERE id = ?`
	sqlCountDeliveries       = `SELECT COUNT(*) FROM delivery_queue`
)

func insertActivity(ctx context.Context, tx *sql.Tx, a *domain.Activity) (bool, error) {
	id := a.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, sqlInsertActivity,
		id.String(),
		a.ActivityURI,
		a.ActivityType,
		a.ActorURI,
		a.ObjectURI,
		a.RawJSON,
		nullString(a.AudienceJSON),
		a.Processed,
		a.Sensitive,
		a.Local,
		createdAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateActivity logs an activity. It reports false without error when an
// activity with the same URI already exists.
func (db *DB) CreateActivity(ctx context.Context, a *domain.Activity) (bool, error) {
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertActivity(ctx, tx, a)
		return err
	})
	return inserted, err
}

func (db *DB) ActivityExists(ctx context.Context, uri string) (bool, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountActivityByURI, uri).Scan(&n)
	return n > 0, err
}

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var a domain.Activity
	var idStr string
	err := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri).Scan(
		&idStr,
		&a.ActivityURI,
		&a.ActivityType,
		&a.ActorURI,
		&a.ObjectURI,
		&a.RawJSON,
		&a.AudienceJSON,
		&a.Processed,
		&a.Sensitive,
		&a.Local,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	a.Id, _ = uuid.Parse(idStr)
	return &a, nil
}

func (db *DB) MarkActivityProcessed(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlMarkActivityDone, uri)
		return err
	})
}

// EnqueueOutgoing stores the outgoing activity and one delivery row per inbox
// in a single transaction, so an activity is never queued without its log entry.
func (db *DB) EnqueueOutgoing(ctx context.Context, a *domain.Activity, items []domain.DeliveryQueueItem) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := insertActivity(ctx, tx, a); err != nil {
			return err
		}
		for i := range items {
			item := &items[i]
			if item.Id == uuid.Nil {
				item.Id = uuid.New()
			}
			if item.CreatedAt.IsZero() {
				item.CreatedAt = time.Now()
			}
			if item.NextRetryAt.IsZero() {
				item.NextRetryAt = item.CreatedAt
			}
			_, err := tx.ExecContext(ctx, sqlInsertDelivery,
				item.Id.String(),
				item.ActivityURI,
				item.ObjectURI,
				item.ActorURI,
				item.InboxURI,
				item.ActivityJSON,
				item.Attempts,
				item.NextRetryAt.UTC(),
				item.CreatedAt.UTC(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func scanDelivery(row rowScanner) (*domain.DeliveryQueueItem, error) {
	var item domain.DeliveryQueueItem
	var idStr string
	err := row.Scan(
		&idStr,
		&item.ActivityURI,
		&item.ObjectURI,
		&item.ActorURI,
		&item.InboxURI,
		&item.ActivityJSON,
		&item.Attempts,
		&item.NextRetryAt,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	item.Id, _ = uuid.Parse(idStr)
	return &item, nil
}

func (db *DB) ReadDelivery(ctx context.Context, id uuid.UUID) (*domain.DeliveryQueueItem, error) {
	return scanDelivery(db.db.QueryRowContext(ctx, sqlSelectDeliveryById, id.String()))
}

// ReadPendingDeliveries returns up to limit rows due at or before now, oldest first.
func (db *DB) ReadPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPendingDelivery, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		item, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// HasEarlierPendingDelivery reports whether a delivery of the same object to
// the same inbox was queued before item and is still outstanding.
func (db *DB) HasEarlierPendingDelivery(ctx context.Context, item *domain.DeliveryQueueItem) (bool, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountEarlierDelivery,
		item.ObjectURI, item.InboxURI, item.Id.String(), item.Id.String()).Scan(&n)
	return n > 0, err
}

func (db *DB) UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateDeliveryAttempt, attempts, nextRetry.UTC(), id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteDelivery, id.String())
		return err
	})
}

func (db *DB) CountPendingDeliveries(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveries).Scan(&n)
	return n, err
}
