package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

const objectColumns = `id, kind, ap_id, attributed_to, COALESCE(community, ''), COALESCE(post, ''),
	COALESCE(parent, ''), COALESCE(recipient, ''), COALESCE(name, ''), COALESCE(content, ''),
	COALESCE(url, ''), sensitive, locked, stickied, local, deleted, removed, published, updated`

const (
	// Deleted and removed are changed only through their explicit setters.
	sqlUpsertObject = `INSERT INTO objects(id, kind, ap_id, attributed_to, community, post, parent, recipient,
		name, content, url, sensitive, locked, stickied, local, deleted, removed, published, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			name = excluded.name,
			content = excluded.content,
			url = excluded.url,
			sensitive = excluded.sensitive,
			locked = excluded.locked,
			stickied = excluded.stickied,
			updated = excluded.updated`
	sqlSelectObjectByRef       = `SELECT ` + objectColumns + ` FROM objects WHERE ap_id = ?`
	sqlSelectObjectsByCommunity = `SELECT ` + objectColumns + ` FROM objects
		WHERE community = ? AND kind = 'Page' AND deleted = 0 AND removed = 0
		ORDER BY published DESC LIMIT ?`
	sqlUpdateObjectDeleted = `UPDATE objects SET deleted = ? WHERE ap_id = ?`
	sqlUpdateObjectRemoved = `UPDATE objects SET removed = ? WHERE ap_id = ?`
)

func scanObject(row rowScanner) (*domain.CachedObject, error) {
	var obj domain.CachedObject
	var idStr, kind string
	var updated sql.NullTime
	err := row.Scan(
		&idStr,
		&kind,
		&obj.Ref,
		&obj.AttributedTo,
		&obj.Community,
		&obj.Post,
		&obj.Parent,
		&obj.Recipient,
		&obj.Name,
		&obj.Content,
		&obj.URL,
		&obj.Sensitive,
		&obj.Locked,
		&obj.Stickied,
		&obj.Local,
		&obj.Deleted,
		&obj.Removed,
		&obj.Published,
		&updated,
	)
	if err != nil {
		return nil, notFound(err)
	}
	obj.Id, _ = uuid.Parse(idStr)
	obj.Kind = domain.ObjectKind(kind)
	if updated.Valid {
		obj.Updated = &updated.Time
	}
	return &obj, nil
}

// UpsertObject inserts a post, comment or private message keyed by its ref
// and returns the stored row.
func (db *DB) UpsertObject(ctx context.Context, obj *domain.CachedObject) (*domain.CachedObject, error) {
	id := obj.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	published := obj.Published
	if published.IsZero() {
		published = time.Now()
	}
	var updated sql.NullTime
	if obj.Updated != nil {
		updated = sql.NullTime{Time: obj.Updated.UTC(), Valid: true}
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertObject,
			id.String(),
			string(obj.Kind),
			obj.Ref.String(),
			obj.AttributedTo.String(),
			nullString(obj.Community.String()),
			nullString(obj.Post.String()),
			nullString(obj.Parent.String()),
			nullString(obj.Recipient.String()),
			obj.Name,
			obj.Content,
			obj.URL,
			obj.Sensitive,
			obj.Locked,
			obj.Stickied,
			obj.Local,
			obj.Deleted,
			obj.Removed,
			published.UTC(),
			updated,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadObjectByRef(ctx, obj.Ref)
}

func (db *DB) ReadObjectByRef(ctx context.Context, ref domain.RemoteRef) (*domain.CachedObject, error) {
	return scanObject(db.db.QueryRowContext(ctx, sqlSelectObjectByRef, ref.String()))
}

// ReadObjectsByCommunity returns the newest visible posts of a community.
func (db *DB) ReadObjectsByCommunity(ctx context.Context, community domain.RemoteRef, limit int) ([]domain.CachedObject, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectObjectsByCommunity, community.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []domain.CachedObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		objects = append(objects, *obj)
	}
	return objects, rows.Err()
}

func (db *DB) SetObjectDeleted(ctx context.Context, ref domain.RemoteRef, deleted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateObjectDeleted, deleted, ref.String())
		return err
	})
}

func (db *DB) SetObjectRemoved(ctx context.Context, ref domain.RemoteRef, removed bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateObjectRemoved, removed, ref.String())
		return err
	})
}
