// contest-proxy-system/workers/session_sweep_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"contest-proxy-system/services"

	"github.com/go-co-op/gocron/v2"
)

// SessionSweepWorker periodically probes stored per-contest sessions and
// deletes the ones the backend no longer accepts. Purely housekeeping: the
// session manager re-checks liveness on access anyway, this just keeps dead
// tokens from piling up between visits.
type SessionSweepWorker struct {
	Store    services.SessionStore
	Backend  services.BackendClient
	Interval time.Duration
}

func NewSessionSweepWorker(store services.SessionStore, backend services.BackendClient, interval time.Duration) *SessionSweepWorker {
	return &SessionSweepWorker{Store: store, Backend: backend, Interval: interval}
}

func (w *SessionSweepWorker) Start() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(w.Interval),
		gocron.NewTask(func() {
			w.Sweep(context.Background())
		}),
	)
}

// Sweep runs one pass over every stored participation. Unreachable-backend
// errors skip the row; only a definite invalid-session page deletes it.
func (w *SessionSweepWorker) Sweep(ctx context.Context) {
	ps, err := w.Store.Participations()
	if err != nil {
		log.Printf("[Sweep] listing participations failed: %v", err)
		return
	}

	removed := 0
	for i := range ps {
		p := ps[i]
		owner, err := w.Store.FindUserByID(p.UserID)
		if err != nil || owner == nil {
			continue
		}
		// Call in the same shape the session manager uses: token plus
		// the owner's cookie, or the backend rejects the call outright.
		resp, err := w.Backend.Call(ctx, services.BackendRequest{
			Handler: services.HandlerNewMaster,
			Method:  "GET",
			SID:     p.SessionToken,
			Cookie:  owner.SessionCookie,
		})
		if err != nil {
			continue
		}
		if services.ClassifyPage(resp.Body) != services.PageInvalidSession {
			continue
		}
		if err := w.Store.DeleteParticipation(&p); err != nil {
			log.Printf("[Sweep] failed to delete stale participation %d: %v", p.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("✅ [Sweep] removed %d stale contest session(s)", removed)
	}
}
