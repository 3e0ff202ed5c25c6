package model

import (
	"errors"
	"testing"
)

func TestPlanPointDraw_FIFOAcrossSources(t *testing.T) {
	available := []EarnedPoint{
		{TransactionID: 1, Remaining: 200},
		{TransactionID: 2, Remaining: 300},
	}

	plan, err := PlanPointDraw(available, 400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan) != 2 {
		t.Fatalf("expected 2 draws, got %d", len(plan))
	}
	if plan[0].TransactionID != 1 || plan[0].Amount != 200 {
		t.Errorf("first draw must drain the oldest source fully, got %+v", plan[0])
	}
	if plan[1].TransactionID != 2 || plan[1].Amount != 200 {
		t.Errorf("second draw must take 200 of 300, got %+v", plan[1])
	}
}

func TestPlanPointDraw_ExactSingleSource(t *testing.T) {
	plan, err := PlanPointDraw([]EarnedPoint{{TransactionID: 7, Remaining: 500}}, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].Amount != 500 {
		t.Fatalf("expected single full draw, got %+v", plan)
	}
}

func TestPlanPointDraw_SkipsDrainedSources(t *testing.T) {
	available := []EarnedPoint{
		{TransactionID: 1, Remaining: 0},
		{TransactionID: 2, Remaining: 100},
	}

	plan, err := PlanPointDraw(available, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 || plan[0].TransactionID != 2 {
		t.Fatalf("drained source must be skipped, got %+v", plan)
	}
}

func TestPlanPointDraw_Insufficient(t *testing.T) {
	available := []EarnedPoint{
		{TransactionID: 1, Remaining: 200},
		{TransactionID: 2, Remaining: 300},
	}

	plan, err := PlanPointDraw(available, 501)
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	if plan != nil {
		t.Fatalf("no plan must be returned on shortfall, got %+v", plan)
	}
}

func TestPlanPointDraw_InvalidAmount(t *testing.T) {
	for _, amount := range []int64{0, -1} {
		if _, err := PlanPointDraw(nil, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}
