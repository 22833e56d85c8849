package access

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_activity_bot/internal/domain"
)

type fakeGroupCollection struct {
	group     *domain.Group
	findErr   error
	updateErr error
	updates   []bson.M
}

func (f *fakeGroupCollection) FindOne(_ context.Context, _ interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	if f.findErr != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, f.findErr, nil)
	}
	if f.group == nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
	}
	return mongo.NewSingleResultFromDocument(*f.group, nil, nil)
}

func (f *fakeGroupCollection) UpdateOne(_ context.Context, _ interface{}, update interface{}, _ ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}

	updateDoc, ok := update.(bson.M)
	if !ok {
		return nil, fmt.Errorf("unexpected update type %T", update)
	}
	f.updates = append(f.updates, updateDoc)

	if set, ok := updateDoc["$set"].(bson.M); ok {
		if status, ok := set["status"].(domain.GroupStatus); ok && f.group != nil {
			f.group.Status = status
		}
	}

	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func stubNow(t *testing.T, fixed time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = prev })
}

func TestEvaluateReturnsStoredStatusForLiveGrants(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stubNow(t, fixed)

	future := fixed.Add(time.Hour)

	tests := []struct {
		name  string
		group domain.Group
		want  domain.GroupStatus
	}{
		{"pending", domain.Group{ChatID: -1, Status: domain.StatusPending}, domain.StatusPending},
		{"live trial", domain.Group{ChatID: -1, Status: domain.StatusTrial, TrialEnd: &future}, domain.StatusTrial},
		{"live subscription", domain.Group{ChatID: -1, Status: domain.StatusActive, SubscriptionEnd: &future}, domain.StatusActive},
		{"already expired", domain.Group{ChatID: -1, Status: domain.StatusExpired}, domain.StatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll := &fakeGroupCollection{group: &tt.group}
			evaluator := NewEvaluator(coll, nil)

			status, err := evaluator.Evaluate(context.Background(), -1)
			if err != nil {
				t.Fatalf("Evaluate returned error: %v", err)
			}
			if status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, status)
			}
			if len(coll.updates) != 0 {
				t.Fatalf("expected no persisted change, got %v", coll.updates)
			}
		})
	}
}

func TestEvaluatePersistsLapsedTrialAsExpired(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stubNow(t, fixed)

	past := fixed.Add(-time.Minute)
	coll := &fakeGroupCollection{group: &domain.Group{ChatID: -1, Status: domain.StatusTrial, TrialEnd: &past}}
	evaluator := NewEvaluator(coll, nil)

	status, err := evaluator.Evaluate(context.Background(), -1)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", status)
	}
	if len(coll.updates) != 1 {
		t.Fatalf("expected one persisted update, got %d", len(coll.updates))
	}
	if coll.group.Status != domain.StatusExpired {
		t.Fatalf("expected stored status to flip to expired, got %s", coll.group.Status)
	}
}

func TestEvaluateZeroDurationTrialExpiresImmediately(t *testing.T) {
	granted := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	// Any positive elapsed time after a zero-duration trial must expire it.
	stubNow(t, granted.Add(time.Nanosecond))

	coll := &fakeGroupCollection{group: &domain.Group{ChatID: -1, Status: domain.StatusTrial, TrialEnd: &granted}}
	evaluator := NewEvaluator(coll, nil)

	status, err := evaluator.Evaluate(context.Background(), -1)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", status)
	}
	if coll.group.Status != domain.StatusExpired {
		t.Fatalf("expected expiry to be persisted")
	}
}

func TestEvaluatePersistsLapsedSubscriptionAsExpired(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stubNow(t, fixed)

	past := fixed.Add(-24 * time.Hour)
	coll := &fakeGroupCollection{group: &domain.Group{ChatID: -1, Status: domain.StatusActive, SubscriptionEnd: &past}}
	evaluator := NewEvaluator(coll, nil)

	status, err := evaluator.Evaluate(context.Background(), -1)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if status != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", status)
	}
}

func TestEvaluateReportsUnknownGroup(t *testing.T) {
	evaluator := NewEvaluator(&fakeGroupCollection{}, nil)

	_, err := evaluator.Evaluate(context.Background(), -404)
	if !errors.Is(err, domain.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestEvaluatePropagatesPersistFailure(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	stubNow(t, fixed)

	past := fixed.Add(-time.Minute)
	coll := &fakeGroupCollection{
		group:     &domain.Group{ChatID: -1, Status: domain.StatusTrial, TrialEnd: &past},
		updateErr: errors.New("write failed"),
	}
	evaluator := NewEvaluator(coll, nil)

	if _, err := evaluator.Evaluate(context.Background(), -1); err == nil {
		t.Fatalf("expected persist failure to propagate")
	}
}

func TestEvaluateValidatesInput(t *testing.T) {
	evaluator := NewEvaluator(&fakeGroupCollection{}, nil)

	if _, err := evaluator.Evaluate(nil, -1); err == nil {
		t.Fatalf("expected error for nil context")
	}
	if _, err := evaluator.Evaluate(context.Background(), 0); err == nil {
		t.Fatalf("expected error for missing chat id")
	}

	var uninitialized *Evaluator
	if _, err := uninitialized.Evaluate(context.Background(), -1); err == nil {
		t.Fatalf("expected error for nil evaluator")
	}
}
