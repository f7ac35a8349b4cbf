// Package scheduler implements the single periodic driver of spec §4.5. It
// runs process_notifications, cleanup_stale_leases, sla_reminder_sweep,
// sla_escalation_sweep and retry_failed_notifications on independent
// cron cadences, adapted from the teacher's cron.v3-based
// SchedulerService (internal/services/scheduler.go).
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/alpinesboltltd/ticketflow/internal/engine"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	"github.com/alpinesboltltd/ticketflow/internal/notification"
)

// Config holds the cadence knobs of spec §4.5, all with the spec's
// defaults.
type Config struct {
	IntervalSeconds         int
	LockDurationSeconds     int
	MaxRetries              int
	StaleLockCleanupMinutes int
	NotificationBatchSize   int
}

func DefaultConfig() Config {
	return Config{
		IntervalSeconds:         10,
		LockDurationSeconds:     60,
		MaxRetries:              5,
		StaleLockCleanupMinutes: 10,
		NotificationBatchSize:   25,
	}
}

// Scheduler is the periodic driver. It holds no ticket/step mutation
// logic of its own beyond SLA marker bookkeeping; sending is delegated to
// notification.Sender/Renderer and lease/backoff bookkeeping to
// engine.OutboxStore, exactly as spec §4.5 describes the job bodies.
type Scheduler struct {
	cron *cron.Cron

	Outbox   engine.OutboxStore
	Steps    engine.TicketStepStore
	Sender   notification.Sender
	Renderer notification.Renderer
	Clock    engine.Clock
	IDs      engine.IDGenerator

	cfg Config

	// leaseholderID is this process's unique identity (spec §4.5:
	// "hostname + PID + random").
	leaseholderID string

	// lastReminder/lastEscalation are the in-memory last-sent markers spec
	// §4.5 allows as a supplement to the persisted SLALastReminderAt /
	// SLALastEscalationAt columns, which survive a process restart.
	lastReminder   map[string]time.Time
	lastEscalation map[string]time.Time
}

func New(outbox engine.OutboxStore, steps engine.TicketStepStore, sender notification.Sender, renderer notification.Renderer, clock engine.Clock, ids engine.IDGenerator, cfg Config) *Scheduler {
	return &Scheduler{
		cron:           cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(log.New(log.Writer(), "SCHEDULER: ", log.LstdFlags)))),
		Outbox:         outbox,
		Steps:          steps,
		Sender:         sender,
		Renderer:       renderer,
		Clock:          clock,
		IDs:            ids,
		cfg:            cfg,
		leaseholderID:  newLeaseholderID(),
		lastReminder:   make(map[string]time.Time),
		lastEscalation: make(map[string]time.Time),
	}
}

func newLeaseholderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), rand.Int63())
}

// Start registers the five jobs at their spec'd cadences and starts the
// cron driver. Each job runs against a fresh background context scoped to
// that single tick.
func (s *Scheduler) Start() error {
	log.Printf("scheduler: starting with leaseholder_id=%s", s.leaseholderID)

	notifySchedule := fmt.Sprintf("@every %ds", s.cfg.IntervalSeconds)
	if _, err := s.cron.AddFunc(notifySchedule, s.runProcessNotifications); err != nil {
		return fmt.Errorf("scheduler: schedule process_notifications: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 5m", s.runCleanupStaleLeases); err != nil {
		return fmt.Errorf("scheduler: schedule cleanup_stale_leases: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 60s", s.runSLAReminderSweep); err != nil {
		return fmt.Errorf("scheduler: schedule sla_reminder_sweep: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 60s", s.runSLAEscalationSweep); err != nil {
		return fmt.Errorf("scheduler: schedule sla_escalation_sweep: %w", err)
	}
	if _, err := s.cron.AddFunc("@every 2m", s.runRetryFailedNotifications); err != nil {
		return fmt.Errorf("scheduler: schedule retry_failed_notifications: %w", err)
	}

	s.cron.Start()
	log.Println("scheduler: started")
	return nil
}

// Stop stops the cron driver, waiting briefly for in-flight jobs.
func (s *Scheduler) Stop() {
	log.Println("scheduler: stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		<-s.cron.Stop().Done()
		close(done)
	}()

	select {
	case <-done:
		log.Println("scheduler: stopped gracefully")
	case <-ctx.Done():
		log.Println("scheduler: stop timed out, some jobs may still be in flight")
	}
}

// runProcessNotifications implements spec §4.5's process_notifications job.
func (s *Scheduler) runProcessNotifications() {
	ctx := context.Background()
	now := s.Clock.Now()
	entries, err := s.Outbox.FetchPending(ctx, s.cfg.NotificationBatchSize, now)
	if err != nil {
		log.Printf("scheduler: process_notifications fetch_pending: %v", err)
		return
	}
	for i := range entries {
		s.processEntry(ctx, &entries[i])
	}
}

// runRetryFailedNotifications implements spec §4.5's
// retry_failed_notifications job: same processing path as
// process_notifications, sourced from fetch_retry_ready instead.
func (s *Scheduler) runRetryFailedNotifications() {
	ctx := context.Background()
	now := s.Clock.Now()
	entries, err := s.Outbox.FetchRetryReady(ctx, s.cfg.NotificationBatchSize, now)
	if err != nil {
		log.Printf("scheduler: retry_failed_notifications fetch_retry_ready: %v", err)
		return
	}
	for i := range entries {
		s.processEntry(ctx, &entries[i])
	}
}

// processEntry acquires a lease, renders and sends, then always releases
// the lease in a guaranteed-exit handler, exactly as spec §4.5 describes.
func (s *Scheduler) processEntry(ctx context.Context, entry *entity.NotificationOutbox) {
	now := s.Clock.Now()
	leaseDuration := time.Duration(s.cfg.LockDurationSeconds) * time.Second
	acquired, err := s.Outbox.AcquireLease(ctx, entry.NotificationID, s.leaseholderID, leaseDuration, now)
	if err != nil {
		log.Printf("scheduler: acquire_lease(%s): %v", entry.NotificationID, err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.Outbox.ReleaseLease(ctx, entry.NotificationID, s.leaseholderID); err != nil {
			log.Printf("scheduler: release_lease(%s): %v", entry.NotificationID, err)
		}
	}()

	outcome, sendErr := s.renderAndSend(ctx, entry)
	switch outcome {
	case notification.SendSuccess:
		if err := s.Outbox.MarkSent(ctx, entry.NotificationID, s.Clock.Now()); err != nil {
			log.Printf("scheduler: mark_sent(%s): %v", entry.NotificationID, err)
		}
	default:
		msg := "unknown render/send failure"
		if sendErr != nil {
			msg = sendErr.Error()
		}
		// Permanent errors skip remaining retries and fail immediately
		// (spec §6.4): maxRetries=0 makes MarkFailed's retry_count >=
		// maxRetries check always true.
		maxRetries := s.cfg.MaxRetries
		if outcome == notification.SendPermanentError {
			maxRetries = 0
		}
		if err := s.Outbox.MarkFailed(ctx, entry.NotificationID, msg, maxRetries, s.Clock.Now()); err != nil {
			log.Printf("scheduler: mark_failed(%s): %v", entry.NotificationID, err)
		}
	}
}

// renderAndSend renders the entry and sends it, retrying a transient send
// error a small bounded number of times within the held lease before
// giving up to the outbox's own persisted backoff (spec §4.4's mark_failed
// exponential schedule handles the cross-sweep retries; this in-process
// retry only smooths over a brief transport blip).
func (s *Scheduler) renderAndSend(ctx context.Context, entry *entity.NotificationOutbox) (notification.SendOutcome, error) {
	msg, err := s.Renderer.Render(ctx, entry)
	if err != nil {
		return notification.SendPermanentError, err
	}

	var outcome notification.SendOutcome
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	sendErr := backoff.Retry(func() error {
		var err error
		outcome, err = s.Sender.Send(ctx, msg)
		if outcome == notification.SendTransientError {
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if sendErr == nil {
		return notification.SendSuccess, nil
	}
	return outcome, sendErr
}

// runCleanupStaleLeases implements spec §4.5's cleanup_stale_leases job.
func (s *Scheduler) runCleanupStaleLeases() {
	ctx := context.Background()
	maxAge := time.Duration(s.cfg.StaleLockCleanupMinutes) * time.Minute
	n, err := s.Outbox.CleanupStaleLeases(ctx, maxAge, s.Clock.Now())
	if err != nil {
		log.Printf("scheduler: cleanup_stale_leases: %v", err)
		return
	}
	if n > 0 {
		log.Printf("scheduler: cleanup_stale_leases cleared %d stale lease(s)", n)
	}
}

const (
	slaReminderWindow  = 60 * time.Minute
	slaReminderDedup   = 30 * time.Minute
	slaEscalationDedup = 4 * time.Hour
)

// runSLAReminderSweep implements spec §4.5's sla_reminder_sweep job.
func (s *Scheduler) runSLAReminderSweep() {
	ctx := context.Background()
	now := s.Clock.Now()
	steps, err := s.Steps.ListDueForSLAReminder(ctx, slaReminderWindow, now)
	if err != nil {
		log.Printf("scheduler: sla_reminder_sweep list: %v", err)
		return
	}
	for i := range steps {
		step := &steps[i]
		if _, ok := s.recentlyReminded(step, now); ok {
			continue
		}
		if err := s.enqueueSLANotification(ctx, step, "SLA_REMINDER"); err != nil {
			log.Printf("scheduler: sla_reminder_sweep enqueue(%s): %v", step.TicketStepID, err)
			continue
		}
		s.lastReminder[step.TicketStepID] = now
		step.SLALastReminderAt = &now
		if err := s.Steps.Update(ctx, step, step.Version); err != nil {
			log.Printf("scheduler: sla_reminder_sweep persist marker(%s): %v", step.TicketStepID, err)
		}
	}
}

func (s *Scheduler) recentlyReminded(step *entity.TicketStep, now time.Time) (time.Time, bool) {
	if last, ok := s.lastReminder[step.TicketStepID]; ok && now.Sub(last) < slaReminderDedup {
		return last, true
	}
	if step.SLALastReminderAt != nil && now.Sub(*step.SLALastReminderAt) < slaReminderDedup {
		return *step.SLALastReminderAt, true
	}
	return time.Time{}, false
}

// runSLAEscalationSweep implements spec §4.5's sla_escalation_sweep job.
func (s *Scheduler) runSLAEscalationSweep() {
	ctx := context.Background()
	now := s.Clock.Now()
	steps, err := s.Steps.ListOverdueForEscalation(ctx, now)
	if err != nil {
		log.Printf("scheduler: sla_escalation_sweep list: %v", err)
		return
	}
	for i := range steps {
		step := &steps[i]
		if last, ok := s.lastEscalation[step.TicketStepID]; ok && now.Sub(last) < slaEscalationDedup {
			continue
		}
		if step.SLALastEscalationAt != nil && now.Sub(*step.SLALastEscalationAt) < slaEscalationDedup {
			continue
		}
		if err := s.enqueueSLANotification(ctx, step, "SLA_ESCALATION"); err != nil {
			log.Printf("scheduler: sla_escalation_sweep enqueue(%s): %v", step.TicketStepID, err)
			continue
		}
		s.lastEscalation[step.TicketStepID] = now
		step.SLALastEscalationAt = &now
		if err := s.Steps.Update(ctx, step, step.Version); err != nil {
			log.Printf("scheduler: sla_escalation_sweep persist marker(%s): %v", step.TicketStepID, err)
		}
	}
}

func (s *Scheduler) enqueueSLANotification(ctx context.Context, step *entity.TicketStep, templateKey string) error {
	var recipients []string
	if step.AssignedTo.Email != "" {
		recipients = append(recipients, step.AssignedTo.Email)
	}
	entry := &entity.NotificationOutbox{
		NotificationID: s.IDs.New(),
		TemplateKey:    templateKey,
		Recipients:     entity.StringSlice(recipients),
		Payload:        entity.JSONMap{"ticket_id": step.TicketID, "step_name": step.StepName, "step_id": step.StepID},
		TicketID:       step.TicketID,
		Status:         entity.OutboxPending,
		CreatedAt:      s.Clock.Now(),
	}
	return s.Outbox.CreateMany(ctx, []*entity.NotificationOutbox{entry})
}
