package stats

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_activity_bot/internal/domain"
)

var fixedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func stubNow(t *testing.T) {
	t.Helper()
	prev := now
	now = func() time.Time { return fixedNow }
	t.Cleanup(func() { now = prev })
}

func daysAgo(n int) string {
	return fixedNow.AddDate(0, 0, -n).Format(domain.DateLayout)
}

func event(chatID, userID int64, kind domain.MessageKind, date string, hour, chars int, username, firstName string) domain.ActivityEvent {
	return domain.ActivityEvent{
		ChatID:    chatID,
		UserID:    userID,
		Username:  username,
		FirstName: firstName,
		Kind:      kind,
		CharCount: chars,
		Date:      date,
		Hour:      hour,
	}
}

func TestTopContributorsCountsWithinWindow(t *testing.T) {
	stubNow(t)

	// 3 text + 1 photo for user 7; one event by another user; one event in
	// another chat; one event outside the window.
	coll := newFakeEventCollection(
		event(-100, 7, domain.KindText, daysAgo(0), 14, 5, "alice", "Alice"),
		event(-100, 7, domain.KindText, daysAgo(1), 14, 3, "alice", "Alice"),
		event(-100, 7, domain.KindText, daysAgo(2), 14, 7, "alice", "Alice"),
		event(-100, 7, domain.KindPhoto, daysAgo(0), 14, 0, "alice", "Alice"),
		event(-100, 8, domain.KindText, daysAgo(0), 9, 2, "", "Bob"),
		event(-200, 7, domain.KindText, daysAgo(0), 14, 4, "alice", "Alice"),
		event(-100, 9, domain.KindText, daysAgo(12), 14, 4, "zed", ""),
	)
	provider := NewProvider(coll)

	contributors, err := provider.TopContributors(context.Background(), -100, 7, 10)
	if err != nil {
		t.Fatalf("TopContributors returned error: %v", err)
	}

	if len(contributors) != 2 {
		t.Fatalf("expected 2 contributors, got %d", len(contributors))
	}

	top := contributors[0]
	if top.UserID != 7 {
		t.Fatalf("expected user 7 on top, got %d", top.UserID)
	}
	if top.MessageCount != 4 {
		t.Fatalf("expected 4 messages for user 7, got %d", top.MessageCount)
	}
	if top.TotalChars != 15 {
		t.Fatalf("expected 15 total chars for user 7, got %d", top.TotalChars)
	}
	if top.DisplayName() != "alice" {
		t.Fatalf("expected display name alice, got %s", top.DisplayName())
	}

	if contributors[1].DisplayName() != "Bob" {
		t.Fatalf("expected first-name fallback Bob, got %s", contributors[1].DisplayName())
	}
}

func TestTopContributorsHonorsLimit(t *testing.T) {
	stubNow(t)

	var events []domain.ActivityEvent
	for userID := int64(1); userID <= 8; userID++ {
		events = append(events, event(-100, userID, domain.KindText, daysAgo(0), 10, 1, "", ""))
	}
	provider := NewProvider(newFakeEventCollection(events...))

	contributors, err := provider.TopContributors(context.Background(), -100, 7, 3)
	if err != nil {
		t.Fatalf("TopContributors returned error: %v", err)
	}

	if len(contributors) > 3 {
		t.Fatalf("expected at most 3 contributors, got %d", len(contributors))
	}
	for _, c := range contributors {
		if c.MessageCount != 1 {
			t.Fatalf("expected each count to match underlying events, got %d", c.MessageCount)
		}
	}
}

func TestTopContributorsClampsOversizedWindow(t *testing.T) {
	stubNow(t)

	// 40 days back is outside the 30-day clamp even when 400 is requested.
	provider := NewProvider(newFakeEventCollection(
		event(-100, 7, domain.KindText, daysAgo(40), 10, 1, "", ""),
		event(-100, 7, domain.KindText, daysAgo(2), 10, 1, "", ""),
	))

	contributors, err := provider.TopContributors(context.Background(), -100, 400, 10)
	if err != nil {
		t.Fatalf("TopContributors returned error: %v", err)
	}
	if len(contributors) != 1 || contributors[0].MessageCount != 1 {
		t.Fatalf("expected clamped window to keep only the recent event, got %+v", contributors)
	}
}

func TestTopContributorsEmptyChat(t *testing.T) {
	stubNow(t)
	provider := NewProvider(newFakeEventCollection())

	contributors, err := provider.TopContributors(context.Background(), -100, 7, 10)
	if err != nil {
		t.Fatalf("TopContributors returned error: %v", err)
	}
	if len(contributors) != 0 {
		t.Fatalf("expected empty leaderboard, got %+v", contributors)
	}
}

func TestPeakHoursSingleBucket(t *testing.T) {
	stubNow(t)

	provider := NewProvider(newFakeEventCollection(
		event(-100, 7, domain.KindText, daysAgo(0), 14, 1, "", ""),
		event(-100, 7, domain.KindText, daysAgo(1), 14, 1, "", ""),
		event(-100, 7, domain.KindText, daysAgo(1), 14, 1, "", ""),
		event(-100, 7, domain.KindPhoto, daysAgo(2), 14, 0, "", ""),
	))

	buckets, err := provider.PeakHours(context.Background(), -100, 7)
	if err != nil {
		t.Fatalf("PeakHours returned error: %v", err)
	}

	if len(buckets) != 1 {
		t.Fatalf("expected a single hour bucket, got %d", len(buckets))
	}
	if buckets[0].Hour != 14 || buckets[0].Count != 4 {
		t.Fatalf("expected hour 14 with count 4, got %+v", buckets[0])
	}
}

func TestPeakHoursReturnsTopFiveDescending(t *testing.T) {
	stubNow(t)

	var events []domain.ActivityEvent
	for hour := 0; hour < 8; hour++ {
		for i := 0; i <= hour; i++ {
			events = append(events, event(-100, 7, domain.KindText, daysAgo(0), hour, 1, "", ""))
		}
	}
	provider := NewProvider(newFakeEventCollection(events...))

	buckets, err := provider.PeakHours(context.Background(), -100, 7)
	if err != nil {
		t.Fatalf("PeakHours returned error: %v", err)
	}

	if len(buckets) != 5 {
		t.Fatalf("expected 5 buckets, got %d", len(buckets))
	}
	if buckets[0].Hour != 7 || buckets[0].Count != 8 {
		t.Fatalf("expected busiest hour 7 with count 8, got %+v", buckets[0])
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i].Count > buckets[i-1].Count {
			t.Fatalf("expected counts descending, got %+v", buckets)
		}
	}
}

func TestDailyBreakdownOrdersMostRecentFirst(t *testing.T) {
	stubNow(t)

	provider := NewProvider(newFakeEventCollection(
		event(-100, 7, domain.KindText, daysAgo(2), 10, 1, "", ""),
		event(-100, 8, domain.KindText, daysAgo(2), 11, 1, "", ""),
		event(-100, 7, domain.KindText, daysAgo(0), 12, 1, "", ""),
		event(-100, 7, domain.KindText, daysAgo(0), 13, 1, "", ""),
	))

	days, err := provider.DailyBreakdown(context.Background(), -100, 7)
	if err != nil {
		t.Fatalf("DailyBreakdown returned error: %v", err)
	}

	if len(days) != 2 {
		t.Fatalf("expected 2 day rows, got %d", len(days))
	}
	if days[0].Date != daysAgo(0) {
		t.Fatalf("expected most recent day first, got %s", days[0].Date)
	}
	if days[0].Messages != 2 || days[0].UniqueUsers != 1 {
		t.Fatalf("expected 2 messages and 1 user on %s, got %+v", daysAgo(0), days[0])
	}
	if days[1].Messages != 2 || days[1].UniqueUsers != 2 {
		t.Fatalf("expected 2 messages and 2 users on %s, got %+v", daysAgo(2), days[1])
	}
}

func TestUserSummaryAggregatesKindsAndDays(t *testing.T) {
	stubNow(t)

	provider := NewProvider(newFakeEventCollection(
		event(-100, 7, domain.KindText, daysAgo(0), 10, 5, "", ""),
		event(-100, 7, domain.KindText, daysAgo(0), 11, 5, "", ""),
		event(-100, 7, domain.KindText, daysAgo(0), 12, 5, "", ""),
		event(-100, 7, domain.KindPhoto, daysAgo(1), 10, 0, "", ""),
		event(-100, 8, domain.KindText, daysAgo(0), 10, 2, "", ""),
	))

	summary, err := provider.UserSummary(context.Background(), -100, 7, 30)
	if err != nil {
		t.Fatalf("UserSummary returned error: %v", err)
	}

	if summary.TotalMessages != 4 {
		t.Fatalf("expected 4 total messages, got %d", summary.TotalMessages)
	}
	if summary.ActiveDays != 2 {
		t.Fatalf("expected 2 active days, got %d", summary.ActiveDays)
	}
	if summary.MostActiveDay != daysAgo(0) || summary.MostActiveDayCount != 3 {
		t.Fatalf("expected most active day %s with 3 messages, got %s/%d",
			daysAgo(0), summary.MostActiveDay, summary.MostActiveDayCount)
	}
	if summary.AvgPerActiveDay != 2.0 {
		t.Fatalf("expected avg 2.0 per active day, got %v", summary.AvgPerActiveDay)
	}

	if len(summary.KindCounts) != 2 {
		t.Fatalf("expected 2 kind rows, got %d", len(summary.KindCounts))
	}
	if summary.KindCounts[0].Kind != domain.KindText || summary.KindCounts[0].Count != 3 {
		t.Fatalf("expected text on top with 3, got %+v", summary.KindCounts[0])
	}
}

func TestUserSummaryZeroActivity(t *testing.T) {
	stubNow(t)
	provider := NewProvider(newFakeEventCollection())

	summary, err := provider.UserSummary(context.Background(), -100, 7, 30)
	if err != nil {
		t.Fatalf("UserSummary returned error: %v", err)
	}

	if summary.TotalMessages != 0 || summary.ActiveDays != 0 {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
	if summary.AvgPerActiveDay != 0 {
		t.Fatalf("expected zero average with no active days, got %v", summary.AvgPerActiveDay)
	}
}

func TestOverallStatsZeroEvents(t *testing.T) {
	stubNow(t)
	provider := NewProvider(newFakeEventCollection())

	overall, err := provider.OverallStats(context.Background(), -100)
	if err != nil {
		t.Fatalf("OverallStats returned error: %v", err)
	}

	if overall != (Overall{}) {
		t.Fatalf("expected all-zero stats, got %+v", overall)
	}
}

func TestOverallStatsComputesCounters(t *testing.T) {
	stubNow(t)

	provider := NewProvider(newFakeEventCollection(
		event(-100, 7, domain.KindText, daysAgo(0), 10, 1, "", ""),
		event(-100, 7, domain.KindText, daysAgo(0), 11, 1, "", ""),
		event(-100, 8, domain.KindText, daysAgo(3), 10, 1, "", ""),
		event(-100, 9, domain.KindText, daysAgo(20), 10, 1, "", ""),
	))

	overall, err := provider.OverallStats(context.Background(), -100)
	if err != nil {
		t.Fatalf("OverallStats returned error: %v", err)
	}

	if overall.TotalMessages != 4 {
		t.Fatalf("expected 4 total, got %d", overall.TotalMessages)
	}
	if overall.UniqueUsers != 3 {
		t.Fatalf("expected 3 unique users, got %d", overall.UniqueUsers)
	}
	if overall.MessagesToday != 2 || overall.ActiveToday != 1 {
		t.Fatalf("expected 2 messages and 1 active user today, got %+v", overall)
	}
	if overall.MessagesWeek != 3 {
		t.Fatalf("expected 3 messages this week, got %d", overall.MessagesWeek)
	}
	if overall.AvgPerUser != 1.3 {
		t.Fatalf("expected avg 1.3 per user, got %v", overall.AvgPerUser)
	}
}

func TestProviderPropagatesAggregateFault(t *testing.T) {
	stubNow(t)

	coll := newFakeEventCollection()
	coll.aggErr = errors.New("cursor failed")
	provider := NewProvider(coll)

	if _, err := provider.TopContributors(context.Background(), -100, 7, 10); err == nil {
		t.Fatalf("expected aggregate fault to propagate")
	}
}

func TestProviderValidatesInput(t *testing.T) {
	provider := NewProvider(newFakeEventCollection())

	if _, err := provider.TopContributors(nil, -100, 7, 10); err == nil {
		t.Fatalf("expected error for nil context")
	}

	var uninitialized *Provider
	if _, err := uninitialized.OverallStats(context.Background(), -100); err == nil {
		t.Fatalf("expected error for nil provider")
	}
}

// fakeEventCollection evaluates the exact pipeline shapes the provider
// issues against an in-memory event slice.
type fakeEventCollection struct {
	events []domain.ActivityEvent
	aggErr error
}

func newFakeEventCollection(events ...domain.ActivityEvent) *fakeEventCollection {
	return &fakeEventCollection{events: events}
}

func (f *fakeEventCollection) docs() []bson.M {
	out := make([]bson.M, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, bson.M{
			"chat_id":      ev.ChatID,
			"user_id":      ev.UserID,
			"username":     ev.Username,
			"first_name":   ev.FirstName,
			"message_type": string(ev.Kind),
			"char_count":   int64(ev.CharCount),
			"date":         ev.Date,
			"hour":         int64(ev.Hour),
		})
	}
	return out
}

func (f *fakeEventCollection) Aggregate(_ context.Context, pipeline interface{}, _ ...*options.AggregateOptions) (*mongo.Cursor, error) {
	if f.aggErr != nil {
		return nil, f.aggErr
	}

	stages, ok := pipeline.(mongo.Pipeline)
	if !ok {
		return nil, errors.New("unexpected pipeline type")
	}

	docs := f.docs()
	for _, stage := range stages {
		if len(stage) != 1 {
			return nil, errors.New("unexpected stage shape")
		}
		var err error
		switch stage[0].Key {
		case "$match":
			docs = matchDocs(docs, stage[0].Value.(bson.M))
		case "$group":
			docs, err = groupDocs(docs, stage[0].Value.(bson.M))
		case "$project":
			docs = projectDocs(docs, stage[0].Value.(bson.M))
		case "$sort":
			sortDocs(docs, stage[0].Value.(bson.D))
		case "$limit":
			limit := stage[0].Value.(int)
			if len(docs) > limit {
				docs = docs[:limit]
			}
		default:
			err = errors.New("unsupported stage " + stage[0].Key)
		}
		if err != nil {
			return nil, err
		}
	}

	out := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc)
	}
	return mongo.NewCursorFromDocuments(out, nil, nil)
}

func (f *fakeEventCollection) CountDocuments(_ context.Context, filter interface{}, _ ...*options.CountOptions) (int64, error) {
	return int64(len(matchDocs(f.docs(), filter.(bson.M)))), nil
}

func (f *fakeEventCollection) Distinct(_ context.Context, field string, filter interface{}, _ ...*options.DistinctOptions) ([]interface{}, error) {
	seen := map[interface{}]bool{}
	var out []interface{}
	for _, doc := range matchDocs(f.docs(), filter.(bson.M)) {
		val := doc[field]
		if !seen[val] {
			seen[val] = true
			out = append(out, val)
		}
	}
	return out, nil
}

func matchDocs(docs []bson.M, filter bson.M) []bson.M {
	var out []bson.M
	for _, doc := range docs {
		if matchesFilter(doc, filter) {
			out = append(out, doc)
		}
	}
	return out
}

func matchesFilter(doc bson.M, filter bson.M) bool {
	for key, want := range filter {
		switch cond := want.(type) {
		case bson.M:
			gte, ok := cond["$gte"].(string)
			if !ok {
				return false
			}
			got, _ := doc[key].(string)
			if got < gte {
				return false
			}
		default:
			if doc[key] != want {
				return false
			}
		}
	}
	return true
}

func groupDocs(docs []bson.M, spec bson.M) ([]bson.M, error) {
	idField, ok := spec["_id"].(string)
	if !ok || len(idField) < 2 || idField[0] != '$' {
		return nil, errors.New("unsupported group id")
	}
	idField = idField[1:]

	groups := map[interface{}]bson.M{}
	var order []interface{}

	for _, doc := range docs {
		key := doc[idField]
		acc, exists := groups[key]
		if !exists {
			acc = bson.M{"_id": key}
			groups[key] = acc
			order = append(order, key)
		}

		for field, rawOp := range spec {
			if field == "_id" {
				continue
			}
			op := rawOp.(bson.M)
			for opName, arg := range op {
				switch opName {
				case "$sum":
					var add int64
					if ref, ok := arg.(string); ok {
						add, _ = doc[ref[1:]].(int64)
					} else {
						add = 1
					}
					current, _ := acc[field].(int64)
					acc[field] = current + add
				case "$last":
					acc[field] = doc[arg.(string)[1:]]
				case "$addToSet":
					set, _ := acc[field].([]interface{})
					val := doc[arg.(string)[1:]]
					found := false
					for _, existing := range set {
						if existing == val {
							found = true
							break
						}
					}
					if !found {
						acc[field] = append(set, val)
					}
				case "$min":
					val := doc[arg.(string)[1:]].(string)
					if current, ok := acc[field].(string); !ok || val < current {
						acc[field] = val
					}
				case "$max":
					val := doc[arg.(string)[1:]].(string)
					if current, ok := acc[field].(string); !ok || val > current {
						acc[field] = val
					}
				default:
					return nil, errors.New("unsupported accumulator " + opName)
				}
			}
		}
	}

	out := make([]bson.M, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out, nil
}

func projectDocs(docs []bson.M, spec bson.M) []bson.M {
	out := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		projected := bson.M{"_id": doc["_id"]}
		for field, rawExpr := range spec {
			switch expr := rawExpr.(type) {
			case int:
				projected[field] = doc[field]
			case bson.M:
				if ref, ok := expr["$size"].(string); ok {
					set, _ := doc[ref[1:]].([]interface{})
					projected[field] = int64(len(set))
				}
			}
		}
		out = append(out, projected)
	}
	return out
}

func sortDocs(docs []bson.M, spec bson.D) {
	if len(spec) == 0 {
		return
	}
	key := spec[0].Key
	desc := false
	if dir, ok := spec[0].Value.(int); ok && dir < 0 {
		desc = true
	}

	sort.SliceStable(docs, func(i, j int) bool {
		if desc {
			return lessValue(docs[j][key], docs[i][key])
		}
		return lessValue(docs[i][key], docs[j][key])
	})
}

func lessValue(a, b interface{}) bool {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		return av < bv
	case string:
		bv, _ := b.(string)
		return av < bv
	default:
		return false
	}
}
