package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func testWorker(endpoint string) *types.Worker {
	return &types.Worker{
		ID:              uuid.New(),
		PushEndpointURL: endpoint,
	}
}

func TestExecuteOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		want    Outcome
		wantErr bool
	}{
		{"delivered", http.StatusOK, Delivered, false},
		{"overloaded", http.StatusTooManyRequests, Overloaded, true},
		{"unavailable", http.StatusServiceUnavailable, Failed, true},
		{"server error", http.StatusInternalServerError, Failed, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath, gotWorkerID string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotWorkerID = r.Header.Get("X-Worker-ID")
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			worker := testWorker(srv.URL)
			c := NewClient(testLogger(t))
			outcome, err := c.Execute(context.Background(), worker, &ExecutePayload{
				Execution: &types.Execution{ID: uuid.New(), WorkflowID: "echo"},
			})
			if outcome != tc.want {
				t.Fatalf("outcome = %v, want %v", outcome, tc.want)
			}
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
			if gotPath != "/execute" {
				t.Fatalf("path = %q, want /execute", gotPath)
			}
			if gotWorkerID != worker.ID.String() {
				t.Fatalf("X-Worker-ID = %q, want %q", gotWorkerID, worker.ID)
			}
		})
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(testLogger(t))
	outcome, err := c.Execute(context.Background(), testWorker(srv.URL), &ExecutePayload{
		Execution: &types.Execution{ID: uuid.New()},
	})
	if outcome != Failed {
		t.Fatalf("outcome = %v, want Failed", outcome)
	}
	if err == nil {
		t.Fatal("expected transport error")
	}
}

func TestCancelPathAndGone(t *testing.T) {
	execID := uuid.New()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testLogger(t))
	gone, err := c.Cancel(context.Background(), testWorker(srv.URL), execID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !gone {
		t.Fatal("404 should report gone")
	}
	if want := "/cancel/" + execID.String(); gotPath != want {
		t.Fatalf("path = %q, want %q", gotPath, want)
	}
}

func TestCancelOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(testLogger(t))
	gone, err := c.Cancel(context.Background(), testWorker(srv.URL), uuid.New())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if gone {
		t.Fatal("200 should not report gone")
	}
}
