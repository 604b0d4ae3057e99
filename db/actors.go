package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

const actorColumns = `id, kind, ap_id, name, domain, COALESCE(display_name, ''), COALESCE(summary, ''),
	public_key_pem, COALESCE(private_key_pem, ''), inbox_uri, COALESCE(shared_inbox_uri, ''),
	COALESCE(followers_uri, ''), COALESCE(outbox_uri, ''), local, private, banned, deleted,
	last_refreshed_at, created_at`

const (
	// A refresh never clears the private key or the local ban flag.
	sqlUpsertActor = `INSERT INTO actors(id, kind, ap_id, name, domain, display_name, summary, public_key_pem,
		private_key_pem, inbox_uri, shared_inbox_uri, followers_uri, outbox_uri, local, private, banned, deleted,
		last_refreshed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ap_id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			domain = excluded.domain,
			display_name = excluded.display_name,
			summary = excluded.summary,
			public_key_pem = excluded.public_key_pem,
			private_key_pem = COALESCE(excluded.private_key_pem, actors.private_key_pem),
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			followers_uri = excluded.followers_uri,
			outbox_uri = excluded.outbox_uri,
			private = excluded.private,
			deleted = excluded.deleted,
			last_refreshed_at = excluded.last_refreshed_at`
	sqlSelectActorByRef       = `SELECT ` + actorColumns + ` FROM actors WHERE ap_id = ?`
	sqlSelectLocalActorByName = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 AND kind = ? AND name = ?`
	sqlSelectLocalActorByKind = `SELECT ` + actorColumns + ` FROM actors WHERE local = 1 AND kind = ? ORDER BY created_at LIMIT 1`
	sqlUpdateActorBanned      = `UPDATE actors SET banned = ? WHERE ap_id = ?`
	sqlUpdateActorDeleted     = `UPDATE actors SET deleted = ? WHERE ap_id = ?`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (*domain.CachedActor, error) {
	var acc domain.CachedActor
	var idStr, kind string
	err := row.Scan(
		&idStr,
		&kind,
		&acc.Ref,
		&acc.Name,
		&acc.Domain,
		&acc.DisplayName,
		&acc.Summary,
		&acc.PublicKeyPem,
		&acc.PrivateKeyPem,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.FollowersURI,
		&acc.OutboxURI,
		&acc.Local,
		&acc.Private,
		&acc.Banned,
		&acc.Deleted,
		&acc.LastRefreshedAt,
		&acc.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.Kind = domain.ActorKind(kind)
	return &acc, nil
}

// UpsertActor inserts the actor or updates the existing row with the same
// ref, then returns the stored row. Repeating it with the same input leaves
// the database unchanged.
func (db *DB) UpsertActor(ctx context.Context, acc *domain.CachedActor) (*domain.CachedActor, error) {
	id := acc.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := acc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	refreshed := acc.LastRefreshedAt
	if refreshed.IsZero() {
		refreshed = time.Now()
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertActor,
			id.String(),
			string(acc.Kind),
			acc.Ref.String(),
			acc.Name,
			acc.Domain,
			acc.DisplayName,
			acc.Summary,
			acc.PublicKeyPem,
			nullString(acc.PrivateKeyPem),
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.FollowersURI,
			acc.OutboxURI,
			acc.Local,
			acc.Private,
			acc.Banned,
			acc.Deleted,
			refreshed.UTC(),
			createdAt.UTC(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.ReadActorByRef(ctx, acc.Ref)
}

func (db *DB) ReadActorByRef(ctx context.Context, ref domain.RemoteRef) (*domain.CachedActor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByRef, ref.String()))
}

// ReadLocalActor finds a local actor by kind and name, e.g. the community "main".
func (db *DB) ReadLocalActor(ctx context.Context, kind domain.ActorKind, name string) (*domain.CachedActor, error) {
	if kind == domain.ActorSite {
		return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByKind, string(kind)))
	}
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActorByName, string(kind), name))
}

func (db *DB) SetActorBanned(ctx context.Context, ref domain.RemoteRef, banned bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateActorBanned, banned, ref.String())
		return err
	})
}

func (db *DB) SetActorDeleted(ctx context.Context, ref domain.RemoteRef, deleted bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateActorDeleted, deleted, ref.String())
		return err
	})
}
