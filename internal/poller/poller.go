// Package poller runs the periodic sync pipeline: for every
// installation it keeps the credential fresh, fetches the notification
// feed, classifies and filters new events, delivers survivors, and
// advances the per-installation cursor. Failures are isolated at the
// installation boundary; one broken install never aborts a tick.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/ncbridge/ncbridge/internal/auth/token"
	"github.com/ncbridge/ncbridge/internal/classify"
	"github.com/ncbridge/ncbridge/internal/delivery"
	"github.com/ncbridge/ncbridge/internal/nextcloud"
	"github.com/ncbridge/ncbridge/internal/vault"
)

// State is the per-installation sync health surfaced by the status API.
type State string

const (
	// StateNeverSynced means no tick has looked at this installation yet.
	StateNeverSynced State = "never_synced"
	// StateOK means the last tick completed for this installation.
	StateOK State = "ok"
	// StateNotAuthorized means the installation has no usable credential
	// and needs a new authorization flow; ticks skip it until then.
	StateNotAuthorized State = "not_authorized"
	// StateError means the last tick hit a transient failure; the next
	// tick retries.
	StateError State = "error"
)

// Status describes the outcome of the most recent tick for one
// installation.
type Status struct {
	State    State     `json:"state"`
	LastTick time.Time `json:"last_tick,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Fetcher pulls the raw notification feed for a credential.
type Fetcher interface {
	FetchNotifications(ctx context.Context, cred *vault.Credential) ([]nextcloud.Notification, error)
}

// TokenManager keeps a credential valid, refreshing it when expired.
type TokenManager interface {
	EnsureFresh(ctx context.Context, inst *vault.Installation) (*vault.Credential, error)
}

// Scheduler owns the poll loop lifecycle. All collaborators are
// injected; there is no package-level mutable state.
type Scheduler struct {
	vault    *vault.Vault
	remote   Fetcher
	tokens   TokenManager
	channel  delivery.Channel
	baseURL  string
	interval time.Duration

	cron        *gocron.Scheduler
	tickRunning int32

	mu     sync.RWMutex
	status map[string]Status
}

// New builds a scheduler. baseURL is the configured Nextcloud server,
// used for default deep links when a notification carries none.
func New(v *vault.Vault, remote Fetcher, tokens TokenManager, channel delivery.Channel, baseURL string, interval time.Duration) *Scheduler {
	return &Scheduler{
		vault:    v,
		remote:   remote,
		tokens:   tokens,
		channel:  channel,
		baseURL:  baseURL,
		interval: interval,
		status:   make(map[string]Status),
	}
}

// Start begins ticking at the configured interval. Singleton mode and
// the explicit running guard together guarantee a tick never starts
// while the previous one is still in flight; a due tick is skipped
// rather than queued or run concurrently.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return nil
	}
	s.cron = gocron.NewScheduler(time.UTC)
	s.cron.SingletonModeAll()
	if _, err := s.cron.Every(s.interval).Do(s.runTick); err != nil {
		return fmt.Errorf("schedule poll job: %w", err)
	}
	s.cron.StartAsync()
	log.Printf("🔄 Notification poll loop started (interval: %s)", s.interval)
	return nil
}

// Stop halts scheduling of new ticks. An in-flight tick is allowed to
// finish; it is already bounded by its own timeout.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		log.Println("🛑 Notification poll loop stopped")
	}
}

// RunNow triggers a tick outside the regular schedule, e.g. from the
// API. It is a no-op when a tick is already running.
func (s *Scheduler) RunNow() {
	go s.runTick()
}

func (s *Scheduler) runTick() {
	if !atomic.CompareAndSwapInt32(&s.tickRunning, 0, 1) {
		log.Println("⏭️ Previous tick still running, skipping this one")
		return
	}
	defer atomic.StoreInt32(&s.tickRunning, 0)

	ctx, cancel := context.WithTimeout(context.Background(), s.tickTimeout())
	defer cancel()
	s.Tick(ctx)
}

// tickTimeout bounds a whole tick so a hung fetch can never wedge the
// loop permanently.
func (s *Scheduler) tickTimeout() time.Duration {
	timeout := 2 * s.interval
	if timeout < time.Minute {
		timeout = time.Minute
	}
	return timeout
}

// Tick runs one full pipeline pass over a snapshot of all
// installations. Errors are caught per installation and logged; the
// tick always proceeds to the next one.
func (s *Scheduler) Tick(ctx context.Context) {
	installations, err := s.vault.List()
	if err != nil {
		log.Printf("❌ Listing installations failed: %v", err)
		return
	}

	for i := range installations {
		inst := &installations[i]
		if err := s.syncInstallation(ctx, inst); err != nil {
			log.Printf("⚠️ Sync failed for installation %s: %v", inst.ID, err)
			s.setStatus(inst.ID, StateError, err.Error())
		}
	}
}

func (s *Scheduler) syncInstallation(ctx context.Context, inst *vault.Installation) error {
	if inst.Credential == nil {
		s.setStatus(inst.ID, StateNotAuthorized, "no credential attached")
		return nil
	}

	cred, err := s.tokens.EnsureFresh(ctx, inst)
	if err != nil {
		if errors.Is(err, token.ErrMissingRefreshToken) || errors.Is(err, token.ErrReauthRequired) {
			// Recoverable only by a new authorization flow; the stored
			// credential stays untouched and the cursor does not move.
			log.Printf("🔒 Installation %s needs re-authorization: %v", inst.ID, err)
			s.setStatus(inst.ID, StateNotAuthorized, err.Error())
			return nil
		}
		return fmt.Errorf("ensure credential: %w", err)
	}

	notifications, err := s.remote.FetchNotifications(ctx, cred)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}

	events := sortedEvents(inst.ID, notifications)
	newEvents := eventsAfterCursor(events, inst.Cursor)
	if len(newEvents) == 0 {
		s.setStatus(inst.ID, StateOK, "")
		return nil
	}

	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = s.baseURL
	}

	delivered := 0
	for _, ev := range newEvents {
		summary := classify.Classify(ev.raw, baseURL)
		if summary == nil {
			continue
		}
		if !inst.Preferences.Enabled(summary.Category) {
			continue
		}
		msg := delivery.Message{
			Text:           renderText(summary, ev.raw.Subject),
			Subject:        ev.raw.Subject,
			NotificationID: ev.id,
			App:            ev.raw.App,
		}
		target := delivery.Target{
			ServiceURL:     inst.Identity.ServiceURL,
			ConversationID: inst.Conversation.ID,
		}
		if err := s.channel.Send(ctx, target, msg); err != nil {
			// Per-event policy: log and keep going. The event is not
			// retried on the next tick; the cursor still advances.
			log.Printf("⚠️ Delivery failed for installation %s, notification %d: %v", inst.ID, ev.id, err)
			continue
		}
		delivered++
	}

	maxID := newEvents[len(newEvents)-1].id
	if err := s.vault.AdvanceCursor(inst.ID, maxID); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	log.Printf("📨 Installation %s: %d new notifications, %d delivered, cursor -> %d", inst.ID, len(newEvents), delivered, maxID)
	s.setStatus(inst.ID, StateOK, "")
	return nil
}

// renderText flattens a summary into the plain-text activity body. The
// notification's own subject, when present, beats the generic category
// description.
func renderText(summary *classify.Summary, subject string) string {
	lines := []string{summary.Title}
	if subject != "" {
		lines = append(lines, subject)
	} else if summary.Description != "" {
		lines = append(lines, summary.Description)
	}
	if summary.Link != "" {
		lines = append(lines, fmt.Sprintf("[Open in Nextcloud](%s)", summary.Link))
	}
	return strings.Join(lines, "\n")
}

type event struct {
	id  int64
	raw nextcloud.Notification
}

// sortedEvents parses ids and sorts ascending. Notifications whose id
// does not parse as an integer cannot participate in cursor tracking
// and are dropped with a log line.
func sortedEvents(installationID string, notifications []nextcloud.Notification) []event {
	events := make([]event, 0, len(notifications))
	for _, n := range notifications {
		id, ok := n.ID()
		if !ok {
			log.Printf("⚠️ Installation %s: dropping notification with non-numeric id %q", installationID, n.NotificationID)
			continue
		}
		events = append(events, event{id: id, raw: n})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].id < events[j].id })
	return events
}

// eventsAfterCursor keeps events strictly beyond the cursor; a nil
// cursor means the installation has never synced and everything is new.
func eventsAfterCursor(events []event, cursor *int64) []event {
	if cursor == nil {
		return events
	}
	out := events[:0:0]
	for _, ev := range events {
		if ev.id > *cursor {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Scheduler) setStatus(id string, state State, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = Status{State: state, LastTick: time.Now(), Detail: detail}
}

// StatusFor returns the last observed sync status for an installation.
func (s *Scheduler) StatusFor(id string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.status[id]; ok {
		return st
	}
	return Status{State: StateNeverSynced}
}
