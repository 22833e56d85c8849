// Package stats runs read-only aggregation queries over recorded activity
// events. Every operation is pure: no call here mutates state, and chats with
// no events yield explicit zero results instead of errors.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_activity_bot/internal/domain"
)

// Lookback bounds. Oversized windows are clamped rather than rejected;
// non-positive windows fall back to the operation default.
const (
	MaxQueryDays  = 30
	MaxExportDays = 90

	DefaultQueryDays   = 7
	DefaultExportDays  = 30
	DefaultSummaryDays = 30

	peakHourBuckets = 5
)

type eventCollection interface {
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	Distinct(ctx context.Context, fieldName string, filter interface{}, opts ...*options.DistinctOptions) ([]interface{}, error)
}

// now is overridable for tests.
var now = time.Now

// Provider exposes the aggregate statistics queries.
type Provider struct {
	events eventCollection
}

// NewProvider constructs a Provider over the activity collection.
func NewProvider(events eventCollection) *Provider {
	return &Provider{events: events}
}

// Contributor is one leaderboard row. Rows with equal message counts keep the
// storage iteration order; no secondary sort is applied.
type Contributor struct {
	UserID       int64  `bson:"_id"`
	Username     string `bson:"username"`
	FirstName    string `bson:"first_name"`
	MessageCount int64  `bson:"message_count"`
	TotalChars   int64  `bson:"total_chars"`
}

// DisplayName prefers the username, then the first name, then "Unknown".
func (c Contributor) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	if c.FirstName != "" {
		return c.FirstName
	}
	return "Unknown"
}

// TopContributors returns the most active users of the chat within the
// window, ordered by message count descending.
func (p *Provider) TopContributors(ctx context.Context, chatID int64, days, limit int) ([]Contributor, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	days = clampDays(days, DefaultQueryDays, MaxQueryDays)
	if limit <= 0 {
		limit = 10
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: windowFilter(chatID, days)}},
		{{Key: "$group", Value: bson.M{
			"_id":           "$user_id",
			"message_count": bson.M{"$sum": 1},
			"total_chars":   bson.M{"$sum": "$char_count"},
			"username":      bson.M{"$last": "$username"},
			"first_name":    bson.M{"$last": "$first_name"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "message_count", Value: -1}}}},
		{{Key: "$limit", Value: limit}},
	}

	var contributors []Contributor
	if err := p.aggregate(ctx, pipeline, &contributors); err != nil {
		return nil, fmt.Errorf("top contributors: %w", err)
	}
	if contributors == nil {
		contributors = []Contributor{}
	}

	return contributors, nil
}

// HourBucket is one peak-hours row.
type HourBucket struct {
	Hour  int   `bson:"_id"`
	Count int64 `bson:"count"`
}

// PeakHours returns the five busiest hours of day within the window, counts
// descending.
func (p *Provider) PeakHours(ctx context.Context, chatID int64, days int) ([]HourBucket, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	days = clampDays(days, DefaultQueryDays, MaxQueryDays)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: windowFilter(chatID, days)}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$hour",
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}}}},
		{{Key: "$limit", Value: peakHourBuckets}},
	}

	var buckets []HourBucket
	if err := p.aggregate(ctx, pipeline, &buckets); err != nil {
		return nil, fmt.Errorf("peak hours: %w", err)
	}
	if buckets == nil {
		buckets = []HourBucket{}
	}

	return buckets, nil
}

// DayActivity is one daily-breakdown row.
type DayActivity struct {
	Date        string `bson:"_id"`
	Messages    int64  `bson:"messages"`
	UniqueUsers int64  `bson:"unique_users"`
}

// DailyBreakdown returns per-day message and distinct-user counts within the
// window, most recent day first.
func (p *Provider) DailyBreakdown(ctx context.Context, chatID int64, days int) ([]DayActivity, error) {
	if err := p.ready(ctx); err != nil {
		return nil, err
	}
	days = clampDays(days, DefaultQueryDays, MaxQueryDays)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: windowFilter(chatID, days)}},
		{{Key: "$group", Value: bson.M{
			"_id":      "$date",
			"messages": bson.M{"$sum": 1},
			"users":    bson.M{"$addToSet": "$user_id"},
		}}},
		{{Key: "$project", Value: bson.M{
			"messages":     1,
			"unique_users": bson.M{"$size": "$users"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: -1}}}},
	}

	var activity []DayActivity
	if err := p.aggregate(ctx, pipeline, &activity); err != nil {
		return nil, fmt.Errorf("daily breakdown: %w", err)
	}
	if activity == nil {
		activity = []DayActivity{}
	}

	return activity, nil
}

// KindCount is one per-type row of a user summary.
type KindCount struct {
	Kind  domain.MessageKind `bson:"_id"`
	Count int64              `bson:"count"`
}

// UserSummary aggregates one user's activity within the window.
type UserSummary struct {
	TotalMessages      int64
	KindCounts         []KindCount
	MostActiveDay      string
	MostActiveDayCount int64
	ActiveDays         int64
	AvgPerActiveDay    float64
}

// UserSummary returns the per-user breakdown: totals, per-kind counts, the
// single most active day, and the average over active days (zero when the
// user has no active days).
func (p *Provider) UserSummary(ctx context.Context, chatID, userID int64, days int) (UserSummary, error) {
	if err := p.ready(ctx); err != nil {
		return UserSummary{}, err
	}
	days = clampDays(days, DefaultSummaryDays, MaxQueryDays)

	match := windowFilter(chatID, days)
	match["user_id"] = userID

	kindPipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":   "$message_type",
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}}}},
	}

	var kinds []KindCount
	if err := p.aggregate(ctx, kindPipeline, &kinds); err != nil {
		return UserSummary{}, fmt.Errorf("user summary kinds: %w", err)
	}

	dayPipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":      "$date",
			"messages": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "messages", Value: -1}}}},
	}

	var perDay []DayActivity
	if err := p.aggregate(ctx, dayPipeline, &perDay); err != nil {
		return UserSummary{}, fmt.Errorf("user summary days: %w", err)
	}

	summary := UserSummary{KindCounts: kinds}
	if summary.KindCounts == nil {
		summary.KindCounts = []KindCount{}
	}

	for _, day := range perDay {
		summary.TotalMessages += day.Messages
	}
	summary.ActiveDays = int64(len(perDay))
	if len(perDay) > 0 {
		summary.MostActiveDay = perDay[0].Date
		summary.MostActiveDayCount = perDay[0].Messages
		summary.AvgPerActiveDay = round1(float64(summary.TotalMessages) / float64(summary.ActiveDays))
	}

	return summary, nil
}

// Overall aggregates a chat's statistics over all recorded time.
type Overall struct {
	TotalMessages int64
	UniqueUsers   int64
	MessagesToday int64
	ActiveToday   int64
	MessagesWeek  int64
	AvgPerUser    float64
}

// OverallStats returns the chat's all-time, today, and last-7-day counters.
// A chat with no events returns all zeroes.
func (p *Provider) OverallStats(ctx context.Context, chatID int64) (Overall, error) {
	if err := p.ready(ctx); err != nil {
		return Overall{}, err
	}

	byChat := bson.M{"chat_id": chatID}

	total, err := p.events.CountDocuments(ctx, byChat)
	if err != nil {
		return Overall{}, fmt.Errorf("count messages: %w", err)
	}

	users, err := p.events.Distinct(ctx, "user_id", byChat)
	if err != nil {
		return Overall{}, fmt.Errorf("distinct users: %w", err)
	}

	today := now().Format(domain.DateLayout)
	todayFilter := bson.M{"chat_id": chatID, "date": today}

	messagesToday, err := p.events.CountDocuments(ctx, todayFilter)
	if err != nil {
		return Overall{}, fmt.Errorf("count today: %w", err)
	}

	activeToday, err := p.events.Distinct(ctx, "user_id", todayFilter)
	if err != nil {
		return Overall{}, fmt.Errorf("distinct today: %w", err)
	}

	messagesWeek, err := p.events.CountDocuments(ctx, windowFilter(chatID, 7))
	if err != nil {
		return Overall{}, fmt.Errorf("count week: %w", err)
	}

	overall := Overall{
		TotalMessages: total,
		UniqueUsers:   int64(len(users)),
		MessagesToday: messagesToday,
		ActiveToday:   int64(len(activeToday)),
		MessagesWeek:  messagesWeek,
	}
	if overall.UniqueUsers > 0 {
		overall.AvgPerUser = round1(float64(overall.TotalMessages) / float64(overall.UniqueUsers))
	}

	return overall, nil
}

func (p *Provider) aggregate(ctx context.Context, pipeline mongo.Pipeline, out interface{}) error {
	cursor, err := p.events.Aggregate(ctx, pipeline)
	if err != nil {
		return err
	}

	return cursor.All(ctx, out)
}

func (p *Provider) ready(ctx context.Context) error {
	if p == nil || p.events == nil {
		return errors.New("stats provider is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

// windowFilter matches the chat's events whose stored calendar day falls
// within the last `days` days. Day strings compare lexicographically.
func windowFilter(chatID int64, days int) bson.M {
	cutoff := now().AddDate(0, 0, -days).Format(domain.DateLayout)
	return bson.M{
		"chat_id": chatID,
		"date":    bson.M{"$gte": cutoff},
	}
}

func clampDays(days, fallback, max int) int {
	if days <= 0 {
		return fallback
	}
	if days > max {
		return max
	}
	return days
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
