// README: History stores: Firestore rides collection and an in-memory stand-in.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"driverline/internal/types"
)

type Store interface {
	// Merge writes fields into the document, creating it if needed and
	// keeping fields it does not name.
	Merge(ctx context.Context, id types.ID, fields map[string]interface{}) error
	// Update writes fields into an existing document.
	Update(ctx context.Context, id types.ID, fields map[string]interface{}) error
	Get(ctx context.Context, id types.ID) (*Entry, error)
	// ListByDriver returns the driver's entries, newest completion first when
	// ordered is set. The ordered query needs a composite index and may fail.
	ListByDriver(ctx context.Context, driverID string, ordered bool) ([]*Entry, error)
}

const collection = "rides"

type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) Merge(ctx context.Context, id types.ID, fields map[string]interface{}) error {
	_, err := s.client.Collection(collection).Doc(string(id)).Set(ctx, fields, firestore.MergeAll)
	return err
}

func (s *FirestoreStore) Update(ctx context.Context, id types.ID, fields map[string]interface{}) error {
	updates := make([]firestore.Update, 0, len(fields))
	for path, v := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: v})
	}
	_, err := s.client.Collection(collection).Doc(string(id)).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return err
}

func (s *FirestoreStore) Get(ctx context.Context, id types.ID) (*Entry, error) {
	snap, err := s.client.Collection(collection).Doc(string(id)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entryFromMap(snap.Ref.ID, snap.Data()), nil
}

func (s *FirestoreStore) ListByDriver(ctx context.Context, driverID string, ordered bool) ([]*Entry, error) {
	q := s.client.Collection(collection).Where("driverId", "==", driverID)
	if ordered {
		q = q.OrderBy("completedAt", firestore.Desc)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query history driver=%s ordered=%v: %w", driverID, ordered, err)
	}
	out := make([]*Entry, 0, len(docs))
	for _, d := range docs {
		out = append(out, entryFromMap(d.Ref.ID, d.Data()))
	}
	return out, nil
}

// MemoryStore keeps documents as field maps, mirroring Firestore merge rules
// for top-level fields.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[types.ID]map[string]interface{}
	now  func() time.Time
	// OrderedErr, when set, is returned by ordered listings to exercise the
	// missing-index fallback.
	OrderedErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[types.ID]map[string]interface{}), now: time.Now}
}

func (m *MemoryStore) Merge(_ context.Context, id types.ID, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		doc = make(map[string]interface{})
		m.docs[id] = doc
	}
	m.applyLocked(doc, fields)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, id types.ID, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	m.applyLocked(doc, fields)
	return nil
}

func (m *MemoryStore) applyLocked(doc, fields map[string]interface{}) {
	for k, v := range fields {
		if v == firestore.ServerTimestamp {
			v = m.now()
		}
		doc[k] = v
	}
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return entryFromMap(string(id), doc), nil
}

func (m *MemoryStore) ListByDriver(_ context.Context, driverID string, ordered bool) ([]*Entry, error) {
	if ordered && m.OrderedErr != nil {
		return nil, m.OrderedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Entry, 0)
	for id, doc := range m.docs {
		if doc["driverId"] == driverID {
			out = append(out, entryFromMap(string(id), doc))
		}
	}
	if ordered {
		sort.SliceStable(out, func(i, j int) bool {
			return completedAtOrZero(out[i]).After(completedAtOrZero(out[j]))
		})
	}
	return out, nil
}
