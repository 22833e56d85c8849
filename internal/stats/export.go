package stats

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ExportColumns is the fixed CSV header, in order. An export with no
// underlying rows still returns this header.
var ExportColumns = []string{
	"User ID",
	"Username",
	"First Name",
	"Total Messages",
	"Total Characters",
	"First Activity",
	"Last Activity",
}

type exportRow struct {
	UserID        int64  `bson:"_id"`
	Username      string `bson:"username"`
	FirstName     string `bson:"first_name"`
	TotalMessages int64  `bson:"total_messages"`
	TotalChars    int64  `bson:"total_chars"`
	FirstActivity string `bson:"first_activity"`
	LastActivity  string `bson:"last_activity"`
}

// ExportCSV returns the chat's per-user aggregate within the window as CSV
// text: message count, character count, and first/last active dates per user,
// ordered by message count descending.
func (p *Provider) ExportCSV(ctx context.Context, chatID int64, days int) (string, error) {
	if err := p.ready(ctx); err != nil {
		return "", err
	}
	days = clampDays(days, DefaultExportDays, MaxExportDays)

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: windowFilter(chatID, days)}},
		{{Key: "$group", Value: bson.M{
			"_id":            "$user_id",
			"username":       bson.M{"$last": "$username"},
			"first_name":     bson.M{"$last": "$first_name"},
			"total_messages": bson.M{"$sum": 1},
			"total_chars":    bson.M{"$sum": "$char_count"},
			"first_activity": bson.M{"$min": "$date"},
			"last_activity":  bson.M{"$max": "$date"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "total_messages", Value: -1}}}},
	}

	var rows []exportRow
	if err := p.aggregate(ctx, pipeline, &rows); err != nil {
		return "", fmt.Errorf("export aggregate: %w", err)
	}

	var out strings.Builder
	writer := csv.NewWriter(&out)

	if err := writer.Write(ExportColumns); err != nil {
		return "", fmt.Errorf("write export header: %w", err)
	}

	for _, row := range rows {
		username := row.Username
		if username == "" {
			username = "N/A"
		}
		firstName := row.FirstName
		if firstName == "" {
			firstName = "Unknown"
		}

		record := []string{
			strconv.FormatInt(row.UserID, 10),
			username,
			firstName,
			strconv.FormatInt(row.TotalMessages, 10),
			strconv.FormatInt(row.TotalChars, 10),
			row.FirstActivity,
			row.LastActivity,
		}
		if err := writer.Write(record); err != nil {
			return "", fmt.Errorf("write export row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("flush export: %w", err)
	}

	return out.String(), nil
}
