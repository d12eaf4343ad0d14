package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/rms/internal/domain"
)

func TestRentalRepository_PostgresExclusionConstraint(t *testing.T) {
	store := integrationStore(t, true)
	unitID := seedScooter(t, store, "TEST-1")
	repo := NewRentalRepository(store)
	ctx := context.Background()

	start := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	base := domain.Rental{
		UserID:          1,
		UnitID:          unitID,
		Window:          domain.Window{Start: start, End: start.Add(48 * time.Hour)},
		PickupLocation:  "center",
		DropoffLocation: "center",
		TotalCostMinor:  2000,
		Status:          domain.RentalStatusPending,
	}

	first, err := repo.Create(ctx, base)
	if err != nil {
		t.Fatalf("create first rental: %v", err)
	}

	overlapping := base
	overlapping.Window = domain.Window{Start: start.Add(24 * time.Hour), End: start.Add(72 * time.Hour)}
	if _, err := repo.Create(ctx, overlapping); !errors.Is(err, domain.ErrRentalOverlap) {
		t.Fatalf("expected ErrRentalOverlap, got %v", err)
	}

	adjacent := base
	adjacent.Window = domain.Window{Start: start.Add(48 * time.Hour), End: start.Add(72 * time.Hour)}
	if _, err := repo.Create(ctx, adjacent); err != nil {
		t.Fatalf("adjacent window must be accepted: %v", err)
	}

	if _, err := repo.UpdateStatus(ctx, first.ID, domain.RentalStatusPending, domain.RentalStatusCancelled); err != nil {
		t.Fatalf("cancel first rental: %v", err)
	}
	if _, err := repo.Create(ctx, overlapping); err == nil {
		t.Fatal("overlapping with adjacent rental must still fail")
	}

	free := base
	free.Window = domain.Window{Start: start, End: start.Add(24 * time.Hour)}
	if _, err := repo.Create(ctx, free); err != nil {
		t.Fatalf("cancelled rental must release the window: %v", err)
	}
}
