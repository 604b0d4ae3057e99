package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/agora/domain"
	"github.com/google/uuid"
)

// Follows
const (
	sqlUpsertFollow = `INSERT INTO follows(id, follower, target, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower, target) DO UPDATE SET
			uri = excluded.uri,
			accepted = MAX(follows.accepted, excluded.accepted)`
	sqlSelectFollow      = `SELECT id, follower, target, uri, accepted, created_at FROM follows WHERE follower = ? AND target = ?`
	sqlSelectFollowByURI = `SELECT id, follower, target, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlAcceptFollow      = `UPDATE follows SET accepted = 1 WHERE follower = ? AND target = ?`
	sqlDeleteFollow      = `DELETE FROM follows WHERE follower = ? AND target = ?`
	sqlSelectFollowerInboxes = `SELECT actors.inbox_uri, COALESCE(actors.shared_inbox_uri, '') FROM follows
		INNER JOIN actors ON actors.ap_id = follows.follower
		WHERE follows.target = ? AND follows.accepted = 1 AND actors.local = 0 AND actors.deleted = 0
		ORDER BY follows.created_at`
	sqlSelectInstanceInboxes = `SELECT inbox_uri, COALESCE(shared_inbox_uri, '') FROM actors
		WHERE local = 0 AND deleted = 0 ORDER BY domain, created_at`
)

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var idStr string
	if err := row.Scan(&idStr, &f.Follower, &f.Target, &f.URI, &f.Accepted, &f.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	f.Id, _ = uuid.Parse(idStr)
	return &f, nil
}

// UpsertFollow records a follow. An already accepted follow stays accepted.
func (db *DB) UpsertFollow(ctx context.Context, f *domain.Follow) error {
	id := f.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollow,
			id.String(), f.Follower.String(), f.Target.String(), f.URI, f.Accepted, time.Now().UTC())
		return err
	})
}

func (db *DB) ReadFollow(ctx context.Context, follower, target domain.RemoteRef) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, follower.String(), target.String()))
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
}

func (db *DB) AcceptFollow(ctx context.Context, follower, target domain.RemoteRef) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlAcceptFollow, follower.String(), target.String())
		return err
	})
}

func (db *DB) DeleteFollow(ctx context.Context, follower, target domain.RemoteRef) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollow, follower.String(), target.String())
		return err
	})
}

// IsFollowing reports whether follower has an accepted follow of target.
func (db *DB) IsFollowing(ctx context.Context, follower, target domain.RemoteRef) (bool, error) {
	f, err := db.ReadFollow(ctx, follower, target)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.Accepted, nil
}

// ReadFollowerInboxes returns the inboxes of all accepted remote followers of target.
func (db *DB) ReadFollowerInboxes(ctx context.Context, target domain.RemoteRef) ([]domain.InboxPair, error) {
	return db.readInboxPairs(ctx, sqlSelectFollowerInboxes, target.String())
}

// ReadInstanceInboxes returns the inboxes of every known remote actor.
// Callers collapse them per instance through the shared inbox.
func (db *DB) ReadInstanceInboxes(ctx context.Context) ([]domain.InboxPair, error) {
	return db.readInboxPairs(ctx, sqlSelectInstanceInboxes)
}

func (db *DB) readInboxPairs(ctx context.Context, query string, args ...any) ([]domain.InboxPair, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []domain.InboxPair
	for rows.Next() {
		var p domain.InboxPair
		if err := rows.Scan(&p.Inbox, &p.SharedInbox); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// Votes
const (
	sqlUpsertVote = `INSERT INTO votes(id, actor, object, score, uri, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor, object) DO UPDATE SET score = excluded.score, uri = excluded.uri`
	sqlSelectVote = `SELECT id, actor, object, score, uri, created_at FROM votes WHERE actor = ? AND object = ?`
	sqlDeleteVote = `DELETE FROM votes WHERE actor = ? AND object = ?`
	sqlSumVotes   = `SELECT COALESCE(SUM(score), 0) FROM votes WHERE object = ?`
)

// UpsertVote stores the actor's current vote on an object; a second vote replaces the first.
func (db *DB) UpsertVote(ctx context.Context, v *domain.Vote) error {
	id := v.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertVote,
			id.String(), v.Actor.String(), v.Object.String(), v.Score, v.URI, time.Now().UTC())
		return err
	})
}

func (db *DB) ReadVote(ctx context.Context, actor, object domain.RemoteRef) (*domain.Vote, error) {
	var v domain.Vote
	var idStr string
	err := db.db.QueryRowContext(ctx, sqlSelectVote, actor.String(), object.String()).
		Scan(&idStr, &v.Actor, &v.Object, &v.Score, &v.URI, &v.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	v.Id, _ = uuid.Parse(idStr)
	return &v, nil
}

func (db *DB) DeleteVote(ctx context.Context, actor, object domain.RemoteRef) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteVote, actor.String(), object.String())
		return err
	})
}

// ReadScore returns the sum of all votes on an object.
func (db *DB) ReadScore(ctx context.Context, object domain.RemoteRef) (int, error) {
	var score int
	err := db.db.QueryRowContext(ctx, sqlSumVotes, object.String()).Scan(&score)
	return score, err
}

// Moderators and community bans
const (
	sqlDeleteModerators = `DELETE FROM community_moderators WHERE community = ?`
	sqlInsertModerator  = `INSERT INTO community_moderators(community, moderator, position) VALUES (?, ?, ?)
		ON CONFLICT(community, moderator) DO UPDATE SET position = excluded.position`
	sqlDeleteModerator  = `DELETE FROM community_moderators WHERE community = ? AND moderator = ?`
	sqlSelectModerators = `SELECT moderator FROM community_moderators WHERE community = ? ORDER BY position`
	sqlCountModerator   = `SELECT COUNT(*) FROM community_moderators WHERE community = ? AND moderator = ?`
	sqlInsertBan        = `INSERT OR IGNORE INTO community_bans(community, actor, created_at) VALUES (?, ?, ?)`
	sqlDeleteBan        = `DELETE FROM community_bans WHERE community = ? AND actor = ?`
	sqlCountBan         = `SELECT COUNT(*) FROM community_bans WHERE community = ? AND actor = ?`
)

// ReplaceModerators sets the moderator list of a community; the first entry is the owner.
func (db *DB) ReplaceModerators(ctx context.Context, community domain.RemoteRef, moderators []domain.RemoteRef) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlDeleteModerators, community.String()); err != nil {
			return err
		}
		for i, mod := range moderators {
			if _, err := tx.ExecContext(ctx, sqlInsertModerator, community.String(), mod.String(), i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) AddModerator(ctx context.Context, community, moderator domain.RemoteRef) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertModerator, community.String(), moderator.String(), time.Now().Unix())
		return err
	})
}

func (db *DB) RemoveModerator(ctx context.Context, community, moderator domain.RemoteRef) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteModerator, community.String(), moderator.String())
		return err
	})
}

func (db *DB) ReadModerators(ctx context.Context, community domain.RemoteRef) ([]domain.RemoteRef, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectModerators, community.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mods []domain.RemoteRef
	for rows.Next() {
		var mod domain.RemoteRef
		if err := rows.Scan(&mod); err != nil {
			return nil, err
		}
		mods = append(mods, mod)
	}
	return mods, rows.Err()
}

func (db *DB) IsModerator(ctx context.Context, community, actor domain.RemoteRef) (bool, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountModerator, community.String(), actor.String()).Scan(&n)
	return n > 0, err
}

// SetCommunityBan bans or unbans actor from community.
func (db *DB) SetCommunityBan(ctx context.Context, community, actor domain.RemoteRef, banned bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if banned {
			_, err := tx.ExecContext(ctx, sqlInsertBan, community.String(), actor.String(), time.Now().UTC())
			return err
		}
		_, err := tx.ExecContext(ctx, sqlDeleteBan, community.String(), actor.String())
		return err
	})
}

func (db *DB) IsBannedFromCommunity(ctx context.Context, community, actor domain.RemoteRef) (bool, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountBan, community.String(), actor.String()).Scan(&n)
	return n > 0, err
}
