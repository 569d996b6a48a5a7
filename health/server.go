package health

import (
	"encoding/json"
	"net/http"

	"imagegen-worker/taskqueue"
)

// QueueSource exposes the task queue's state.
type QueueSource interface {
	Snapshot() taskqueue.Stats
}

func Register(mux *http.ServeMux, q QueueSource) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// Not ready while the queue cannot admit another ticket
		s := q.Snapshot()
		if s.Queued+s.Running >= s.Capacity {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("queue full"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		s := q.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"capacity": s.Capacity,
			"queued":   s.Queued,
			"running":  s.Running,
			"finished": s.Finished,
			"lastSeq":  s.LastSeq,
		})
	})
}
