// README: Driver profile gate read from the Firestore users collection.
package profile

import (
	"context"
	"errors"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrIncomplete = errors.New("driver profile incomplete")

// Profile holds the fields a driver must fill in before taking rides.
type Profile struct {
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Birthdate       string `json:"birthdate"`
	ProfilePhotoURL string `json:"profilePhotoUrl"`
	CarPhotoURL     string `json:"carPhotoUrl"`
}

// Missing lists the required fields that are blank.
func (p Profile) Missing() []string {
	var out []string
	for _, f := range []struct {
		name, value string
	}{
		{"firstName", p.FirstName},
		{"lastName", p.LastName},
		{"birthdate", p.Birthdate},
		{"profilePhotoUrl", p.ProfilePhotoURL},
		{"carPhotoUrl", p.CarPhotoURL},
	} {
		if strings.TrimSpace(f.value) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

func (p Profile) Complete() bool {
	return len(p.Missing()) == 0
}

// DisplayName joins first and last name.
func (p Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

type Store interface {
	// Get returns the stored profile, or an empty one when none exists.
	Get(ctx context.Context, uid string) (Profile, error)
}

type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) Get(ctx context.Context, uid string) (Profile, error) {
	snap, err := s.client.Collection("users").Doc(uid).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	data := snap.Data()
	str := func(key string) string {
		v, _ := data[key].(string)
		return v
	}
	return Profile{
		FirstName:       str("firstName"),
		LastName:        str("lastName"),
		Birthdate:       str("birthdate"),
		ProfilePhotoURL: str("profilePhotoUrl"),
		CarPhotoURL:     str("carPhotoUrl"),
	}, nil
}

type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

func (m *MemoryStore) Put(uid string, p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[uid] = p
}

func (m *MemoryStore) Get(_ context.Context, uid string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profiles[uid], nil
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Get(ctx context.Context, uid string) (Profile, error) {
	return s.store.Get(ctx, uid)
}

// RequireComplete returns ErrIncomplete unless every required field is set.
func (s *Service) RequireComplete(ctx context.Context, uid string) (Profile, error) {
	p, err := s.store.Get(ctx, uid)
	if err != nil {
		return Profile{}, err
	}
	if !p.Complete() {
		return p, ErrIncomplete
	}
	return p, nil
}
