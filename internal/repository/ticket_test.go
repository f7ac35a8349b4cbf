package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
)

func newTestTicket(id string) *entity.Ticket {
	return &entity.Ticket{
		TicketID:   id,
		WorkflowID: "wf-1",
		Title:      "test ticket",
		Status:     entity.TicketOpen,
		Requester:  entity.JSONSnapshot{UserSnapshot: entity.UserSnapshot{ID: "requester1"}},
		FormValues: entity.JSONMap{},
	}
}

func TestTicketRepositoryUpdateRejectsStaleVersion(t *testing.T) {
	db := NewTestDB(t)
	repo := NewTicketRepository(db)
	ctx := context.Background()

	tk := newTestTicket("ticket-1")
	if err := repo.Insert(ctx, tk); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if tk.Version != 1 {
		t.Fatalf("expected inserted ticket to start at version 1, got %d", tk.Version)
	}

	tk.Status = entity.TicketCompleted
	if err := repo.Update(ctx, tk, 1); err != nil {
		t.Fatalf("update with correct expected version: %v", err)
	}
	if tk.Version != 2 {
		t.Fatalf("expected version to advance to 2, got %d", tk.Version)
	}

	tk.Status = entity.TicketRejected
	err := repo.Update(ctx, tk, 1)
	if err == nil {
		t.Fatalf("expected a concurrency error on a stale expected version")
	}
	appErr, ok := err.(*appErrors.AppError)
	if !ok || appErr.Type != appErrors.ConcurrencyErr {
		t.Fatalf("expected a CONCURRENCY AppError, got %v (%T)", err, err)
	}

	reloaded, err := repo.Get(ctx, "ticket-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Status != entity.TicketCompleted {
		t.Fatalf("expected the rejected update to have no effect, status is %s", reloaded.Status)
	}
}

func TestTicketRepositoryGetNotFound(t *testing.T) {
	db := NewTestDB(t)
	repo := NewTicketRepository(db)

	_, err := repo.Get(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatalf("expected a not-found error")
	}
	appErr, ok := err.(*appErrors.AppError)
	if !ok || appErr.Type != appErrors.NotFoundErr {
		t.Fatalf("expected a NOT_FOUND AppError, got %v (%T)", err, err)
	}
}

func TestTicketStepRepositoryUpdateRejectsStaleVersion(t *testing.T) {
	db := NewTestDB(t)
	tk := newTestTicket("ticket-2")
	if err := NewTicketRepository(db).Insert(context.Background(), tk); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}

	repo := NewTicketStepRepository(db)
	ctx := context.Background()
	step := &entity.TicketStep{
		TicketStepID: "step-1",
		TicketID:     tk.TicketID,
		StepID:       "intake",
		StepType:     entity.FormStep,
		State:        entity.StepActive,
		Data:         entity.JSONMap{},
	}
	if err := repo.Insert(ctx, step); err != nil {
		t.Fatalf("insert step: %v", err)
	}

	step.State = entity.StepCompleted
	if err := repo.Update(ctx, step, 1); err != nil {
		t.Fatalf("update with correct expected version: %v", err)
	}

	step.State = entity.StepRejected
	err := repo.Update(ctx, step, 1)
	if err == nil {
		t.Fatalf("expected a concurrency error on a stale expected version")
	}
	appErr, ok := err.(*appErrors.AppError)
	if !ok || appErr.Type != appErrors.ConcurrencyErr {
		t.Fatalf("expected a CONCURRENCY AppError, got %v (%T)", err, err)
	}
}

func TestTicketStepRepositoryListDueForSLAReminder(t *testing.T) {
	db := NewTestDB(t)
	tk := newTestTicket("ticket-3")
	if err := NewTicketRepository(db).Insert(context.Background(), tk); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}

	repo := NewTicketStepRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(10 * time.Minute)
	far := now.Add(10 * time.Hour)

	dueSoon := &entity.TicketStep{TicketStepID: "step-soon", TicketID: tk.TicketID, StepID: "s1", StepType: entity.TaskStep, State: entity.StepActive, DueAt: &soon, Data: entity.JSONMap{}}
	dueFar := &entity.TicketStep{TicketStepID: "step-far", TicketID: tk.TicketID, StepID: "s2", StepType: entity.TaskStep, State: entity.StepActive, DueAt: &far, Data: entity.JSONMap{}}
	noDueDate := &entity.TicketStep{TicketStepID: "step-none", TicketID: tk.TicketID, StepID: "s3", StepType: entity.TaskStep, State: entity.StepActive, Data: entity.JSONMap{}}
	completed := &entity.TicketStep{TicketStepID: "step-done", TicketID: tk.TicketID, StepID: "s4", StepType: entity.TaskStep, State: entity.StepCompleted, DueAt: &soon, Data: entity.JSONMap{}}
	if err := repo.InsertMany(ctx, []*entity.TicketStep{dueSoon, dueFar, noDueDate, completed}); err != nil {
		t.Fatalf("insert many: %v", err)
	}

	due, err := repo.ListDueForSLAReminder(ctx, 30*time.Minute, now)
	if err != nil {
		t.Fatalf("list due for reminder: %v", err)
	}
	if len(due) != 1 || due[0].TicketStepID != "step-soon" {
		t.Fatalf("expected only step-soon within the reminder window, got %v", due)
	}
}

func TestTicketStepRepositoryListOverdueForEscalation(t *testing.T) {
	db := NewTestDB(t)
	tk := newTestTicket("ticket-4")
	if err := NewTicketRepository(db).Insert(context.Background(), tk); err != nil {
		t.Fatalf("insert ticket: %v", err)
	}

	repo := NewTicketStepRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	overdue := &entity.TicketStep{TicketStepID: "step-overdue", TicketID: tk.TicketID, StepID: "s1", StepType: entity.TaskStep, State: entity.StepActive, DueAt: &past, Data: entity.JSONMap{}}
	acknowledged := &entity.TicketStep{TicketStepID: "step-ack", TicketID: tk.TicketID, StepID: "s2", StepType: entity.TaskStep, State: entity.StepActive, DueAt: &past, SLAAcknowledged: true, Data: entity.JSONMap{}}
	if err := repo.InsertMany(ctx, []*entity.TicketStep{overdue, acknowledged}); err != nil {
		t.Fatalf("insert many: %v", err)
	}

	due, err := repo.ListOverdueForEscalation(ctx, now)
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(due) != 1 || due[0].TicketStepID != "step-overdue" {
		t.Fatalf("expected only the unacknowledged overdue step, got %v", due)
	}
}
