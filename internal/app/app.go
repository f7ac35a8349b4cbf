// Package app wires the process together: database, repositories, the
// directory adapter, the transition engine, the ticket service, and the
// scheduler. It deliberately starts no HTTP server — the HTTP/REST
// surface is a named-interface-only collaborator excluded from this
// system's scope; TicketService and WorkflowAdmin are the operations an
// external API layer would call.
package app

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/config"
	"github.com/alpinesboltltd/ticketflow/internal/directory"
	"github.com/alpinesboltltd/ticketflow/internal/engine"
	"github.com/alpinesboltltd/ticketflow/internal/engine/scheduler"
	"github.com/alpinesboltltd/ticketflow/internal/notification"
	"github.com/alpinesboltltd/ticketflow/internal/platform/clock"
	"github.com/alpinesboltltd/ticketflow/internal/platform/idgen"
	"github.com/alpinesboltltd/ticketflow/internal/repository"
	"github.com/alpinesboltltd/ticketflow/internal/ticketservice"
)

// Services is every component another process entry point (the CLI, a
// future HTTP layer, tests) needs to drive the engine.
type Services struct {
	Engine        *engine.Engine
	TicketService ticketservice.TicketService
	WorkflowAdmin ticketservice.WorkflowAdmin
	Scheduler     *scheduler.Scheduler
}

// Build wires every dependency and returns the assembled services plus
// the underlying *gorm.DB's close func, without starting the scheduler.
func Build(cfg *config.Config) (*Services, func() error, error) {
	db, err := repository.InitDB(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}

	tickets := repository.NewTicketRepository(db)
	steps := repository.NewTicketStepRepository(db)
	approvals := repository.NewApprovalTaskRepository(db)
	assignments := repository.NewAssignmentRepository(db)
	infoRequests := repository.NewInfoRequestRepository(db)
	workflows := repository.NewWorkflowRepository(db)
	audit := repository.NewAuditRepository(db)
	outbox := repository.NewOutboxRepository(db)

	dirAdapter := directory.NewCachedAdapter(
		directory.NewGormSource(db),
		time.Duration(cfg.DirectoryCacheTTLSeconds)*time.Second,
	)

	cl := clock.Real{}
	ids := idgen.UUID{}

	eng := &engine.Engine{
		Tickets:      tickets,
		Steps:        steps,
		Approvals:    approvals,
		Assignments:  assignments,
		InfoRequests: infoRequests,
		Workflows:    workflows,
		Audit:        audit,
		Outbox:       outbox,
		Directory:    dirAdapter,
		Clock:        cl,
		IDs:          ids,
	}

	sender := notification.NewSMTPSender(notification.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	})
	renderer := notification.DefaultTemplates()

	schedCfg := scheduler.Config{
		IntervalSeconds:         cfg.SchedulerIntervalSeconds,
		LockDurationSeconds:     cfg.SchedulerLockDurationSeconds,
		MaxRetries:              cfg.SchedulerMaxRetries,
		StaleLockCleanupMinutes: cfg.SchedulerStaleLockCleanupMinutes,
		NotificationBatchSize:   cfg.NotificationBatchSize,
	}
	sched := scheduler.New(outbox, steps, sender, renderer, cl, ids, schedCfg)

	return &Services{
		Engine:        eng,
		TicketService: ticketservice.New(eng),
		WorkflowAdmin: ticketservice.NewWorkflowAdmin(workflows, ids, cl),
		Scheduler:     sched,
	}, sqlDB.Close, nil
}

// Run builds the services, starts the scheduler, and blocks until an
// interrupt or terminate signal, then shuts down within a bounded
// timeout — the same signal/timeout shutdown shape the teacher's HTTP
// server uses (internal/app/app.go), minus the HTTP server itself.
func Run(cfg *config.Config) {
	svc, closeDB, err := Build(cfg)
	if err != nil {
		log.Fatal("failed to build services:", err)
	}
	defer closeDB()

	if err := svc.Scheduler.Start(); err != nil {
		log.Fatal("failed to start scheduler:", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	svc.Scheduler.Stop()
	log.Println("shutdown complete")
}
