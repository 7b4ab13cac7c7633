// README: Store backed by Postgres with versioned compare-and-set updates.
package ride

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"driverline/internal/types"
)

const maxCASAttempts = 8

// PostgresStore keeps the ride body as JSONB next to the columns the
// conditional update and the status feed need. status_version guards
// lifecycle writes; revision changes on every write and drives subscriptions.
type PostgresStore struct {
	db       *pgxpool.Pool
	interval time.Duration
	log      *slog.Logger
}

func NewPostgresStore(db *pgxpool.Pool, pollInterval time.Duration, logger *slog.Logger) *PostgresStore {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, interval: pollInterval, log: logger}
}

// Insert creates a ride row. Used by seeding and tests.
func (s *PostgresStore) Insert(ctx context.Context, r *Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rides (id, status, status_version, revision, created_at, doc)
		VALUES ($1, $2, 0, 0, $3, $4::jsonb)`,
		string(r.ID),
		string(r.Status),
		r.CreatedAt,
		doc,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	r, _, _, err := s.load(ctx, id)
	return r, err
}

func (s *PostgresStore) load(ctx context.Context, id types.ID) (*Ride, int, int64, error) {
	var (
		version  int
		revision int64
		doc      []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT status_version, revision, doc
		FROM rides
		WHERE id = $1`, string(id),
	).Scan(&version, &revision, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, 0, err
	}
	var r Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, 0, 0, fmt.Errorf("decode ride %s: %w", id, err)
	}
	r.ID = id
	return &r, version, revision, nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*Ride, error) {
	rides, _, err := s.queryStatus(ctx, status)
	return rides, err
}

func (s *PostgresStore) queryStatus(ctx context.Context, status Status) ([]*Ride, string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, revision, doc
		FROM rides
		WHERE status = $1
		ORDER BY created_at DESC, id`, string(status),
	)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]*Ride, 0)
	var fp strings.Builder
	for rows.Next() {
		var (
			id       string
			revision int64
			doc      []byte
		)
		if err := rows.Scan(&id, &revision, &doc); err != nil {
			return nil, "", err
		}
		var r Ride
		if err := json.Unmarshal(doc, &r); err != nil {
			s.log.Warn("skipping malformed ride", "ride_id", id, "err", err)
			continue
		}
		r.ID = types.ID(id)
		out = append(out, &r)
		fp.WriteString(id)
		fp.WriteByte(':')
		fp.WriteString(strconv.FormatInt(revision, 10))
		fp.WriteByte(';')
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return out, fp.String(), nil
}

func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id types.ID, fn Transform) (UpdateResult, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, version, _, err := s.load(ctx, id)
		if err != nil {
			return UpdateResult{}, err
		}
		next, changed := fn(cur.Clone())
		if !changed || next == nil {
			return UpdateResult{Committed: false, Ride: cur}, nil
		}
		next.ID = id
		patch, err := json.Marshal(lifecycleOf(next))
		if err != nil {
			return UpdateResult{}, err
		}
		tag, err := s.db.Exec(ctx, `
			UPDATE rides
			SET status = $1,
				status_version = status_version + 1,
				revision = revision + 1,
				doc = doc || $2::jsonb
			WHERE id = $3 AND status_version = $4`,
			string(next.Status),
			patch,
			string(id),
			version,
		)
		if err != nil {
			return UpdateResult{}, err
		}
		if tag.RowsAffected() == 1 {
			return UpdateResult{Committed: true, Ride: next}, nil
		}
	}
	return UpdateResult{}, ErrConflict
}

func (s *PostgresStore) Write(ctx context.Context, id types.ID, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	fields := map[string]interface{}{}
	if patch.DriverLoc != nil {
		fields["driverLoc"] = patch.DriverLoc
	}
	if patch.DriverLocUpdatedAt != nil {
		fields["driverLocUpdatedAt"] = *patch.DriverLocUpdatedAt
	}
	if patch.Route != nil {
		fields["route"] = patch.Route
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE rides
		SET doc = doc || $1::jsonb,
			revision = revision + 1
		WHERE id = $2`,
		body,
		string(id),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Subscribe(ctx context.Context, id types.ID) (<-chan Snapshot, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[Snapshot]()
	lastRev := int64(-1)
	first := true
	fetch := func(ctx context.Context) (Snapshot, bool, error) {
		r, _, rev, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			changed := first || lastRev != -1
			first, lastRev = false, -1
			return Snapshot{ID: id}, changed, nil
		}
		if err != nil {
			return Snapshot{}, false, err
		}
		if !first && rev == lastRev {
			return Snapshot{}, false, nil
		}
		first, lastRev = false, rev
		return Snapshot{ID: id, Ride: r}, true, nil
	}
	go func() {
		defer box.close()
		poll(ctx, s.interval, box, fetch, func(err error) {
			s.log.Warn("ride subscription poll failed", "ride_id", id, "err", err)
		})
	}()
	return box.out, func() { cancel(); box.close() }, nil
}

func (s *PostgresStore) SubscribeStatus(ctx context.Context, status Status) (<-chan []*Ride, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[[]*Ride]()
	var last string
	first := true
	fetch := func(ctx context.Context) ([]*Ride, bool, error) {
		rides, fp, err := s.queryStatus(ctx, status)
		if err != nil {
			return nil, false, err
		}
		if !first && fp == last {
			return nil, false, nil
		}
		first, last = false, fp
		return rides, true, nil
	}
	go func() {
		defer box.close()
		poll(ctx, s.interval, box, fetch, func(err error) {
			s.log.Warn("status subscription poll failed", "status", status, "err", err)
		})
	}()
	return box.out, func() { cancel(); box.close() }, nil
}
