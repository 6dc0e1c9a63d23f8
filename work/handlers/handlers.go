package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"hlspoll/work/logger"
)

// PollerStatus is the externally visible state of one polling loop, as
// published by the daemon and served on /status.
type PollerStatus struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Kind         string    `json:"kind,omitempty"`         // master or media, once known
	State        string    `json:"state"`                  // starting, live, ended, failed
	Snapshots    uint64    `json:"snapshots"`              // Snapshots delivered so far
	LastMSN      uint64    `json:"lastMsn"`                // Head MSN of the latest snapshot
	Problems     uint64    `json:"problems"`               // Recovered non-fatal errors
	PlayoutDelay string    `json:"playoutDelay,omitempty"` // Distance behind the live edge
	UpdatedAt    time.Time `json:"updatedAt"`              // Instant of the latest snapshot
	LastError    string    `json:"lastError,omitempty"`
}

// registry holds the latest published status per poller name.
var registry = xsync.NewMapOf[string, PollerStatus]()

// Publish stores the current status of a poller, replacing any previous one.
func Publish(st PollerStatus) {
	registry.Store(st.Name, st)
}

// Remove drops a poller from the registry.
func Remove(name string) {
	registry.Delete(name)
}

// Statuses returns all published statuses sorted by name.
func Statuses() []PollerStatus {
	out := make([]PollerStatus, 0, registry.Size())
	registry.Range(func(_ string, st PollerStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HandleStatus serves the poller registry as JSON.
func HandleStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(Statuses()); err != nil {
			logger.Error("{handlers - HandleStatus} Encoding status: %v", err)
		}
	})
}

// HandleHealth serves a trivial liveness probe.
func HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})
}
