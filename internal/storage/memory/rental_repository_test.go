package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/storage/memory"
)

func window(startDay, endDay int) domain.Window {
	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	return domain.Window{Start: base.AddDate(0, 0, startDay), End: base.AddDate(0, 0, endDay)}
}

func TestRentalRepository_CreateRejectsOverlap(t *testing.T) {
	repo := memory.NewRentalRepository()
	ctx := context.Background()

	first, err := repo.Create(ctx, domain.Rental{UserID: 1, UnitID: 10, Window: window(0, 3), Status: domain.RentalStatusPending})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected generated id")
	}

	if _, err := repo.Create(ctx, domain.Rental{UserID: 2, UnitID: 10, Window: window(2, 4), Status: domain.RentalStatusPending}); !errors.Is(err, domain.ErrRentalOverlap) {
		t.Fatalf("expected ErrRentalOverlap, got %v", err)
	}

	// касание границы не считается пересечением
	if _, err := repo.Create(ctx, domain.Rental{UserID: 2, UnitID: 10, Window: window(3, 5), Status: domain.RentalStatusPending}); err != nil {
		t.Fatalf("adjacent window must be accepted: %v", err)
	}

	if _, err := repo.UpdateStatus(ctx, first.ID, domain.RentalStatusPending, domain.RentalStatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := repo.Create(ctx, domain.Rental{UserID: 3, UnitID: 10, Window: window(1, 2), Status: domain.RentalStatusPending}); err != nil {
		t.Fatalf("cancelled rental must not block the unit: %v", err)
	}
}

func TestRentalRepository_ConcurrentCreateSingleWinner(t *testing.T) {
	repo := memory.NewRentalRepository()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := repo.Create(ctx, domain.Rental{UserID: user, UnitID: 5, Window: window(0, 2), Status: domain.RentalStatusPending})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if success != 1 {
		t.Fatalf("expected exactly one winner, got %d", success)
	}
}

func TestRentalRepository_UpdateStatusCompareAndSet(t *testing.T) {
	repo := memory.NewRentalRepository()
	ctx := context.Background()

	rental, err := repo.Create(ctx, domain.Rental{UserID: 1, UnitID: 1, Window: window(0, 1), Status: domain.RentalStatusPending})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := repo.UpdateStatus(ctx, rental.ID, domain.RentalStatusOngoing, domain.RentalStatusCompleted); !errors.Is(err, domain.ErrRentalStatusConflict) {
		t.Fatalf("expected ErrRentalStatusConflict, got %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, 999, domain.RentalStatusPending, domain.RentalStatusOngoing); !errors.Is(err, domain.ErrRentalNotFound) {
		t.Fatalf("expected ErrRentalNotFound, got %v", err)
	}

	updated, err := repo.UpdateStatus(ctx, rental.ID, domain.RentalStatusPending, domain.RentalStatusOngoing)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Status != domain.RentalStatusOngoing {
		t.Fatalf("expected ongoing, got %s", updated.Status)
	}
}

func TestRentalRepository_FindOverlappingAndActiveAt(t *testing.T) {
	repo := memory.NewRentalRepository()
	ctx := context.Background()

	for _, r := range []domain.Rental{
		{UserID: 1, UnitID: 1, Window: window(0, 2), Status: domain.RentalStatusPending},
		{UserID: 1, UnitID: 2, Window: window(5, 6), Status: domain.RentalStatusOngoing},
		{UserID: 1, UnitID: 3, Window: window(0, 2), Status: domain.RentalStatusCompleted},
	} {
		if _, err := repo.Create(ctx, r); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	found, err := repo.FindOverlapping(ctx, []int64{1, 2, 3}, window(1, 3))
	if err != nil {
		t.Fatalf("find overlapping failed: %v", err)
	}
	if len(found) != 1 || found[0].UnitID != 1 {
		t.Fatalf("expected only unit 1 to overlap, got %+v", found)
	}

	active, err := repo.ListActiveAt(ctx, window(5, 6).Start.Add(time.Hour))
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 1 || active[0].UnitID != 2 {
		t.Fatalf("expected unit 2 active, got %+v", active)
	}
}
