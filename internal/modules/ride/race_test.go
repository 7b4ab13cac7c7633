// README: Concurrency tests for ride transitions (run with -race).
package ride

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"driverline/internal/logging"
	"driverline/internal/types"
)

const racers = 16

// raceAccept fires racers concurrent accepts at one ride and returns the
// winning driver ids.
func raceAccept(t *testing.T, svc *Service, id types.ID) []types.ID {
	t.Helper()
	ctx := context.Background()
	start := make(chan struct{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []types.ID
	)
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		driver := types.ID(fmt.Sprintf("d%02d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := svc.Accept(ctx, AcceptCommand{RideID: id, Driver: Driver{ID: driver}})
			if err != nil {
				errs <- err
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, driver)
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected accept error: %v", err)
	}
	return winners
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedRide(store, "r1", StatusSearching)

	winners := raceAccept(t, svc, "r1")
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	r, _ := store.Get(context.Background(), "r1")
	if !r.AssignedTo(winners[0]) {
		t.Fatalf("record driver %v does not match winner %s", r.Driver, winners[0])
	}
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)
	seedRide(store, "r1", StatusSearching)

	start := make(chan struct{})
	var wg sync.WaitGroup
	var accepted, cancelled bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		accepted, _ = svc.Accept(ctx, AcceptCommand{RideID: "r1", Driver: Driver{ID: "d1"}})
	}()
	go func() {
		defer wg.Done()
		<-start
		cancelled, _ = svc.Cancel(ctx, CancelCommand{RideID: "r1", ActorType: "rider"})
	}()
	close(start)
	wg.Wait()

	if !cancelled {
		t.Fatal("cancel must succeed from searching or accepted")
	}
	r, _ := store.Get(ctx, "r1")
	if r.Status != StatusCancelled {
		t.Fatalf("final status = %s, want cancelled", r.Status)
	}
	if accepted != (r.Driver != nil) {
		t.Fatalf("accepted=%v but driver=%v", accepted, r.Driver)
	}
}

func TestConcurrentStartSingleCommit(t *testing.T) {
	ctx := context.Background()
	svc, store, _, sink := newTestService(t)
	seedRide(store, "r1", StatusSearching)
	_, _ = svc.Accept(ctx, AcceptCommand{RideID: "r1", Driver: Driver{ID: "d1"}})
	r, _ := store.Get(ctx, "r1")
	code := *r.PickupCode

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, _ := svc.Start(ctx, StartCommand{RideID: "r1", DriverID: "d1", Code: code})
			results <- ok
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected one committed start, got %d", wins)
	}
	starts := 0
	for _, e := range sink.snapshot() {
		if e.ToStatus == StatusInProgress {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("expected one start event, got %d", starts)
	}
}

func TestPostgresConcurrentAcceptSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := NewService(ServiceDeps{Store: store, Logger: logging.Discard()})

	if err := store.Insert(ctx, &Ride{
		ID:        "pg-r1",
		RiderID:   "rider-1",
		Status:    StatusSearching,
		CreatedAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("insert ride: %v", err)
	}

	winners := raceAccept(t, svc, "pg-r1")
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	r, err := store.Get(ctx, "pg-r1")
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if !r.AssignedTo(winners[0]) || r.PickupCode == nil {
		t.Fatalf("unexpected record after race: %+v", r)
	}

	// A position write between lifecycle updates must survive them.
	if err := svc.ReportPosition(ctx, PositionCommand{RideID: "pg-r1", Position: Position{Lat: 1, Lng: 2}}); err != nil {
		t.Fatalf("report position: %v", err)
	}
	if ok, err := svc.Start(ctx, StartCommand{RideID: "pg-r1", DriverID: winners[0], Code: *r.PickupCode}); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	r, _ = store.Get(ctx, "pg-r1")
	if r.DriverLoc == nil || r.DriverLoc.Lat != 1 {
		t.Fatalf("lifecycle update clobbered position: %+v", r.DriverLoc)
	}
}

func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("DRIVERLINE_TEST_DSN")
	if dsn == "" {
		t.Skip("DRIVERLINE_TEST_DSN not set; skipping DB-backed race tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE ride_state_events, rides"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPostgresStore(db, 50*time.Millisecond, logging.Discard())
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	for _, stmt := range splitSQL(stripSQLComments(string(content))) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
