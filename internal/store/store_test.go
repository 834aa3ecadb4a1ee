package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/bodytrack/internal/presence"
)

func TestEventFilterQuery(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	body := uint32(7)

	tests := []struct {
		name     string
		filter   EventFilter
		wantSQL  string
		wantArgs int
	}{
		{"all", EventFilter{},
			"SELECT session_id, kind, body_id, distance_m, device_ts_us, recorded_at FROM presence_events ORDER BY id ASC", 0},
		{"session and body", EventFilter{SessionID: &id, BodyID: &body},
			"SELECT session_id, kind, body_id, distance_m, device_ts_us, recorded_at FROM presence_events WHERE session_id = $1 AND body_id = $2 ORDER BY id ASC", 2},
		{"kind with limit", EventFilter{Kind: presence.Exited, Limit: 10},
			"SELECT session_id, kind, body_id, distance_m, device_ts_us, recorded_at FROM presence_events WHERE kind = $1 ORDER BY id ASC LIMIT $2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := tt.filter.query()
			if sql != tt.wantSQL {
				t.Errorf("query = %q\nwant    %q", sql, tt.wantSQL)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("got %d args, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("bodytrack_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	sess, err := s.StartSession(ctx, "/data/lobby.btrc", "abc123")
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if sess.StartedAt.IsZero() {
		t.Error("Expected start time to be set")
	}

	d := 1.8
	events := []presence.Event{
		{Kind: presence.Exited, BodyID: 1, DeviceTimestamp: 33 * time.Millisecond},
		{Kind: presence.Entered, BodyID: 3, Distance: &d, DeviceTimestamp: 33 * time.Millisecond},
		{Kind: presence.Entered, BodyID: 4, DeviceTimestamp: 33 * time.Millisecond},
	}
	if err := s.RecordEvents(ctx, sess.ID, events); err != nil {
		t.Fatalf("RecordEvents failed: %v", err)
	}
	if err := s.RecordEvents(ctx, sess.ID, nil); err != nil {
		t.Fatalf("RecordEvents with no events failed: %v", err)
	}

	if err := s.FinishSession(ctx, sess.ID, 120); err != nil {
		t.Fatalf("FinishSession failed: %v", err)
	}
	if err := s.FinishSession(ctx, uuid.New(), 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ID != sess.ID || sessions[0].Frames != 120 || sessions[0].Events != 3 || sessions[0].EndedAt == nil {
		t.Errorf("Unexpected session row: %+v", sessions[0])
	}

	got, err := s.ListEvents(ctx, EventFilter{SessionID: &sess.ID})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(got))
	}
	if got[0].Kind != presence.Exited || got[0].BodyID != 1 || got[0].Distance != nil {
		t.Errorf("Unexpected first event: %+v", got[0])
	}
	if got[1].Distance == nil || *got[1].Distance != 1.8 {
		t.Errorf("Expected distance 1.8 on second event, got %v", got[1].Distance)
	}
	if got[1].DeviceTimestamp != 33*time.Millisecond {
		t.Errorf("Expected timestamp 33ms, got %s", got[1].DeviceTimestamp)
	}

	body := uint32(4)
	got, err = s.ListEvents(ctx, EventFilter{BodyID: &body, Kind: presence.Entered})
	if err != nil {
		t.Fatalf("ListEvents by body failed: %v", err)
	}
	if len(got) != 1 || got[0].BodyID != 4 {
		t.Errorf("Expected only body 4, got %+v", got)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListSessions(ctx, 10); err == nil {
		t.Error("Expected ListSessions to fail after Reset dropped the tables")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
