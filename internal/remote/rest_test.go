package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taskvault/taskvault/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Token:   "test-token",
		UserID:  "user-1",
		Logger:  log.New(io.Discard, "", 0),
	})
}

func TestGuestMode_ReadsEmptyWritesNoop(t *testing.T) {
	c := NewClient(ClientConfig{
		BaseURL: "http://never-called.invalid",
		Logger:  log.New(io.Discard, "", 0),
	})
	ctx := context.Background()

	tasks, err := c.SelectTasks(ctx)
	if err != nil {
		t.Fatalf("guest read errored: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("guest read returned %d tasks", len(tasks))
	}

	if err := c.InsertTask(ctx, model.Task{ID: "t1"}); err != nil {
		t.Errorf("guest write should no-op, got %v", err)
	}
	n, err := c.UpsertTasks(ctx, []model.Task{{ID: "t1"}})
	if err != nil || n != 0 {
		t.Errorf("guest upsert = (%d, %v), want (0, nil)", n, err)
	}
	if _, err := c.GetTombstone(ctx, model.EntityTask, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("guest tombstone lookup = %v, want ErrNotFound", err)
	}
}

func TestSelectTasks_ScopesToOwnerAndActive(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("user_id"); got != "eq.user-1" {
			t.Errorf("user_id filter = %q", got)
		}
		if got := r.URL.Query().Get("deleted"); got != "eq.false" {
			t.Errorf("deleted filter = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("apikey"); got != "test-key" {
			t.Errorf("apikey = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]model.Task{
			{ID: "t1", UserID: "user-1", Title: "One", Status: "open"},
		})
	})

	tasks, err := c.SelectTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestUpsertTasks_ShortRowCountIsPartialWrite(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Prefer"); got != "resolution=merge-duplicates,return=representation" {
			t.Errorf("Prefer = %q", got)
		}
		// RLS silently dropped one of the two rows.
		_ = json.NewEncoder(w).Encode([]model.Task{{ID: "t1"}})
	})

	n, err := c.UpsertTasks(context.Background(), []model.Task{{ID: "t1"}, {ID: "t2"}})
	var partial *PartialWriteError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialWriteError, got %v", err)
	}
	if n != 1 || partial.Requested != 2 || partial.Affected != 1 {
		t.Errorf("n=%d partial=%+v", n, partial)
	}
}

func TestInsertTask_ConflictIsUniqueViolation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": "duplicate key value violates unique constraint",
			"code":    "23505",
		})
	})

	err := c.InsertTask(context.Background(), model.Task{ID: "t1"})
	if !errors.Is(err, ErrUniqueViolation) {
		t.Errorf("conflict mapped to %v, want ErrUniqueViolation", err)
	}
}

func TestMapError_ClockSkewFromMessageText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": "token was issued in the future (check your device clock)",
		})
	})

	_, err := c.SelectTasks(context.Background())
	if !errors.Is(err, ErrClockSkew) {
		t.Errorf("skew message mapped to %v, want ErrClockSkew", err)
	}
}

func TestMapError_CarriesStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "overloaded"})
	})

	_, err := c.SelectTasks(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d", se.Status)
	}
}

func TestGetTombstone_EmptyResultIsNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]model.Tombstone{})
	})

	_, err := c.GetTombstone(context.Background(), model.EntityTask, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHasProcedures_Probe(t *testing.T) {
	installed := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/rpc/check_task_availability" {
			t.Errorf("probe hit %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]model.TaskIDAvailability{})
	})
	if !installed.HasProcedures() {
		t.Error("installed procedures not detected")
	}

	missing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if missing.HasProcedures() {
		t.Error("missing procedures reported as installed")
	}
}

func TestDeleteTask_TargetsSingleRow(t *testing.T) {
	var gotMethod, gotID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotID = r.URL.Query().Get("id")
	})

	if err := c.DeleteTask(context.Background(), "t9"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete || gotID != "eq.t9" {
		t.Errorf("request = %s id=%q", gotMethod, gotID)
	}
}
