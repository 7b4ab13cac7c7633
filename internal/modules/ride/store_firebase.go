// README: Store backed by the Firebase Realtime Database, the rider app's live record store.
package ride

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/db"

	"driverline/internal/types"
)

// FirebaseStore keeps one node per ride under root (rides/requests by default).
// Conditional updates run as RTDB transactions. Subscriptions poll with ETags
// since the Admin SDK has no streaming listener.
type FirebaseStore struct {
	client   *db.Client
	root     string
	interval time.Duration
	log      *slog.Logger
}

func NewFirebaseStore(client *db.Client, root string, pollInterval time.Duration, logger *slog.Logger) *FirebaseStore {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FirebaseStore{client: client, root: root, interval: pollInterval, log: logger}
}

func (s *FirebaseStore) ref(id types.ID) *db.Ref {
	return s.client.NewRef(s.root).Child(string(id))
}

func (s *FirebaseStore) Get(ctx context.Context, id types.ID) (*Ride, error) {
	var r *Ride
	if err := s.ref(id).Get(ctx, &r); err != nil {
		return nil, fmt.Errorf("rtdb get %s: %w", id, err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	r.ID = id
	return r, nil
}

func (s *FirebaseStore) ListByStatus(ctx context.Context, status Status) ([]*Ride, error) {
	rides, _, err := s.queryStatus(ctx, status)
	return rides, err
}

func (s *FirebaseStore) queryStatus(ctx context.Context, status Status) ([]*Ride, []byte, error) {
	var raw map[string]json.RawMessage
	err := s.client.NewRef(s.root).OrderByChild("status").EqualTo(string(status)).Get(ctx, &raw)
	if err != nil {
		return nil, nil, fmt.Errorf("rtdb query status=%s: %w", status, err)
	}
	out := make([]*Ride, 0, len(raw))
	for key, body := range raw {
		var r Ride
		if err := json.Unmarshal(body, &r); err != nil {
			s.log.Warn("skipping malformed ride", "ride_id", key, "err", err)
			continue
		}
		r.ID = types.ID(key)
		out = append(out, &r)
	}
	sortNewestFirst(out)
	// json.Marshal sorts map keys, so the encoding doubles as a change fingerprint.
	fp, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}
	return out, fp, nil
}

func (s *FirebaseStore) ConditionalUpdate(ctx context.Context, id types.ID, fn Transform) (UpdateResult, error) {
	var result UpdateResult
	err := s.ref(id).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var raw map[string]interface{}
		if err := node.Unmarshal(&raw); err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, errNoRecord
		}
		var cur *Ride
		if err := node.Unmarshal(&cur); err != nil {
			return nil, err
		}
		cur.ID = id
		next, changed := fn(cur.Clone())
		if !changed || next == nil {
			result = UpdateResult{Committed: false, Ride: cur}
			return nil, errNoChange
		}
		next.ID = id
		merged, err := overlayLifecycle(raw, next)
		if err != nil {
			return nil, err
		}
		result = UpdateResult{Committed: true, Ride: next}
		return merged, nil
	})
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, errNoChange):
		return result, nil
	case errors.Is(err, errNoRecord):
		return UpdateResult{}, ErrNotFound
	default:
		return UpdateResult{}, fmt.Errorf("rtdb transaction %s: %w", id, err)
	}
}

// overlayLifecycle writes next's lifecycle fields over the stored node and
// leaves every other key as the rider app wrote it.
func overlayLifecycle(node map[string]interface{}, next *Ride) (map[string]interface{}, error) {
	b, err := json.Marshal(lifecycleOf(next))
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]interface{}, len(node)+len(fields))
	for k, v := range node {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (s *FirebaseStore) Write(ctx context.Context, id types.ID, patch Patch) error {
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
	if err := s.ref(id).Update(ctx, fields); err != nil {
		return fmt.Errorf("rtdb update %s: %w", id, err)
	}
	return nil
}

func (s *FirebaseStore) Subscribe(ctx context.Context, id types.ID) (<-chan Snapshot, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[Snapshot]()
	ref := s.ref(id)
	etag := ""
	fetch := func(ctx context.Context) (Snapshot, bool, error) {
		var raw json.RawMessage
		changed, next, err := ref.GetIfChanged(ctx, etag, &raw)
		if err != nil || !changed {
			return Snapshot{}, false, err
		}
		etag = next
		snap := Snapshot{ID: id}
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			var r Ride
			if err := json.Unmarshal(raw, &r); err != nil {
				return Snapshot{}, false, fmt.Errorf("decode ride %s: %w", id, err)
			}
			r.ID = id
			snap.Ride = &r
		}
		return snap, true, nil
	}
	go func() {
		defer box.close()
		poll(ctx, s.interval, box, fetch, func(err error) {
			s.log.Warn("ride subscription poll failed", "ride_id", id, "err", err)
		})
	}()
	return box.out, func() { cancel(); box.close() }, nil
}

func (s *FirebaseStore) SubscribeStatus(ctx context.Context, status Status) (<-chan []*Ride, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	box := newMailbox[[]*Ride]()
	var last []byte
	first := true
	fetch := func(ctx context.Context) ([]*Ride, bool, error) {
		rides, fp, err := s.queryStatus(ctx, status)
		if err != nil {
			return nil, false, err
		}
		if !first && bytes.Equal(fp, last) {
			return nil, false, nil
		}
		first = false
		last = fp
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
