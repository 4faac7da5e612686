package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sku-render-pipeline/internal/models"
)

type fakeSource struct{}

func (fakeSource) ListJobs() []models.JobSummary {
	return []models.JobSummary{{ID: "job-1", Status: models.StatusRunning, Total: 2}}
}

func (fakeSource) GetStatus(jobID string) (models.JobStatusView, error) {
	if jobID != "job-1" {
		return models.JobStatusView{}, models.ErrJobNotFound
	}
	return models.JobStatusView{ID: "job-1", Status: models.StatusRunning, Total: 2, Completed: 1, Progress: 50}, nil
}

// dial connects a client to m through a test server
func dial(t *testing.T, m *Manager) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		m.AddClient(conn)
	}))
	t.Cleanup(server.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// progressSource reports one more completed task on every read
type progressSource struct {
	completed atomic.Int64
}

func (s *progressSource) ListJobs() []models.JobSummary { return nil }

func (s *progressSource) GetStatus(jobID string) (models.JobStatusView, error) {
	n := int(s.completed.Add(1))
	return models.JobStatusView{ID: jobID, Status: models.StatusRunning, Total: 1000, Completed: n}, nil
}

func TestJobUpdatesArriveInSnapshotOrder(t *testing.T) {
	src := &progressSource{}
	m := New(src, nil)
	conn := dial(t, m)

	var initial Update
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial: %v", err)
	}

	const senders, perSender = 4, 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				m.BroadcastJob("job-1")
			}
		}()
	}
	wg.Wait()

	last := 0
	for i := 0; i < senders*perSender; i++ {
		var update Update
		if err := conn.ReadJSON(&update); err != nil {
			t.Fatalf("read update %d: %v", i, err)
		}
		if update.Job.Completed <= last {
			t.Fatalf("update %d carries completed=%d after %d", i, update.Job.Completed, last)
		}
		last = update.Job.Completed
	}
}

func TestManagerSendsInitialAndJobUpdates(t *testing.T) {
	m := New(fakeSource{}, nil)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		m.AddClient(conn)
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial Update
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if initial.Type != "jobs" || len(initial.Jobs) != 1 || initial.Jobs[0].ID != "job-1" {
		t.Fatalf("initial = %+v", initial)
	}
	if m.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d", m.ClientCount())
	}

	m.BroadcastJob("missing")
	m.BroadcastJob("job-1")

	var update Update
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Type != "job" || update.Job == nil || update.Job.Progress != 50 {
		t.Fatalf("update = %+v", update)
	}
}
