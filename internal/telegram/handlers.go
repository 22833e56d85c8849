package telegram

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_activity_bot/internal/backup"
	"tg_activity_bot/internal/domain"
	"tg_activity_bot/internal/logging"
	"tg_activity_bot/internal/stats"
)

const (
	defaultTrialHours       = 48
	defaultSubscriptionDays = 30
	leaderboardSize         = 10
)

const welcomeText = `Welcome to the Activity Tracker Bot!

This bot tracks message activity in groups and provides statistics.

Commands:
/leaderboard [days] - Top contributors
/peak_times - Peak activity hours
/community_stats - Overall community statistics
/my_activity - Your personal activity stats

Admin Commands:
/daily_report - Daily activity breakdown
/export_data [days] - Export activity data to CSV

The bot automatically tracks all messages to help identify the most active and engaged members.

Note: Statistics only work in groups, not private chats.`

func (r *router) handleStart(ctx context.Context, s sender, msg *models.Message, _ []string) {
	r.reply(ctx, s, msg.Chat.ID, welcomeText)
}

func (r *router) handleLeaderboard(ctx context.Context, s sender, msg *models.Message, args []string) {
	if !r.requireTrackedGroup(ctx, s, msg) {
		return
	}

	days, ok := parseDaysArg(args, stats.DefaultQueryDays)
	if !ok {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /leaderboard [days]")
		return
	}

	contributors, err := r.deps.Stats.TopContributors(ctx, msg.Chat.ID, days, leaderboardSize)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "leaderboard", err)
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}
	if len(contributors) == 0 {
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Top Contributors (Last %d Days):\n\n", clamp(days, stats.MaxQueryDays))
	for i, c := range contributors {
		avgChars := int64(0)
		if c.MessageCount > 0 {
			avgChars = int64(math.Round(float64(c.TotalChars) / float64(c.MessageCount)))
		}
		fmt.Fprintf(&b, "%d. %s\n   Messages: %d | Avg length: %d chars\n\n", i+1, c.DisplayName(), c.MessageCount, avgChars)
	}

	r.reply(ctx, s, msg.Chat.ID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) handlePeakTimes(ctx context.Context, s sender, msg *models.Message, _ []string) {
	if !r.requireTrackedGroup(ctx, s, msg) {
		return
	}

	buckets, err := r.deps.Stats.PeakHours(ctx, msg.Chat.ID, stats.DefaultQueryDays)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "peak_times", err)
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}
	if len(buckets) == 0 {
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Peak Activity Hours (Last %d Days):\n\n", stats.DefaultQueryDays)
	for _, bucket := range buckets {
		fmt.Fprintf(&b, "%02d:00 - %02d:59: %d messages\n", bucket.Hour, bucket.Hour, bucket.Count)
	}

	r.reply(ctx, s, msg.Chat.ID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) handleCommunityStats(ctx context.Context, s sender, msg *models.Message, _ []string) {
	if !r.requireTrackedGroup(ctx, s, msg) {
		return
	}

	overall, err := r.deps.Stats.OverallStats(ctx, msg.Chat.ID)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "community_stats", err)
		r.reply(ctx, s, msg.Chat.ID, "Unable to retrieve statistics.")
		return
	}

	text := fmt.Sprintf(`Community Statistics:

Total Messages: %d
Total Members: %d
Avg Messages/Member: %.1f

Today:
Messages: %d
Active Members: %d

This Week:
Messages: %d`,
		overall.TotalMessages,
		overall.UniqueUsers,
		overall.AvgPerUser,
		overall.MessagesToday,
		overall.ActiveToday,
		overall.MessagesWeek,
	)

	r.reply(ctx, s, msg.Chat.ID, text)
}

// handleMyActivity reports the caller's own stats. The super-admin may pass
// another user id to inspect that user instead.
func (r *router) handleMyActivity(ctx context.Context, s sender, msg *models.Message, args []string) {
	if !r.requireTrackedGroup(ctx, s, msg) {
		return
	}

	targetID := msg.From.ID
	if len(args) > 0 && r.isSuperAdmin(msg.From.ID) {
		parsed, err := parseID(args[0])
		if err != nil {
			r.reply(ctx, s, msg.Chat.ID, "Invalid user ID")
			return
		}
		targetID = parsed
	}

	summary, err := r.deps.Stats.UserSummary(ctx, msg.Chat.ID, targetID, stats.DefaultSummaryDays)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "my_activity", err)
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}
	if summary.TotalMessages == 0 {
		r.reply(ctx, s, msg.Chat.ID, "No activity data found for this user.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Activity Stats (Last %d Days):\n\n", stats.DefaultSummaryDays)
	fmt.Fprintf(&b, "Total Messages: %d\n", summary.TotalMessages)
	fmt.Fprintf(&b, "Active Days: %d\n", summary.ActiveDays)
	fmt.Fprintf(&b, "Avg Messages/Day: %.1f\n\n", summary.AvgPerActiveDay)
	if summary.MostActiveDay != "" {
		fmt.Fprintf(&b, "Most Active Day: %s (%d messages)\n\n", summary.MostActiveDay, summary.MostActiveDayCount)
	}
	if len(summary.KindCounts) > 0 {
		b.WriteString("Message Types:\n")
		for i, kind := range summary.KindCounts {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "  %s: %d\n", kind.Kind, kind.Count)
		}
	}

	r.reply(ctx, s, msg.Chat.ID, strings.TrimRight(b.String(), "\n"))
}

// handleMyGroups lists the groups the caller may manage. The super-admin
// sees every registered group.
func (r *router) handleMyGroups(ctx context.Context, s sender, msg *models.Message, _ []string) {
	var (
		groups []domain.Group
		err    error
	)
	if r.isSuperAdmin(msg.From.ID) {
		groups, err = r.deps.Registry.ListAll(ctx)
	} else {
		groups, err = r.deps.Registry.ListByAdmin(ctx, msg.From.ID)
	}
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "my_groups", err)
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}
	if len(groups) == 0 {
		r.reply(ctx, s, msg.Chat.ID, "No groups registered yet.")
		return
	}

	var b strings.Builder
	b.WriteString("Registered Groups:\n\n")
	for _, group := range groups {
		fmt.Fprintf(&b, "%s\n  Chat ID: %d\n  Status: %s\n", group.Title, group.ChatID, group.Status)
		if deadline := groupDeadline(group); deadline != "" {
			fmt.Fprintf(&b, "  Until: %s\n", deadline)
		}
		fmt.Fprintf(&b, "  Added: %s\n\n", group.RegisteredAt.Format(domain.DateLayout))
	}

	r.reply(ctx, s, msg.Chat.ID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) handleDailyReport(ctx context.Context, s sender, msg *models.Message, _ []string) {
	if !r.requireTrackedGroup(ctx, s, msg) {
		return
	}

	days, err := r.deps.Stats.DailyBreakdown(ctx, msg.Chat.ID, stats.DefaultQueryDays)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "daily_report", err)
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}
	if len(days) == 0 {
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily Activity (Last %d Days):\n\n", stats.DefaultQueryDays)
	for _, day := range days {
		fmt.Fprintf(&b, "%s:\n  Messages: %d\n  Active Users: %d\n\n", day.Date, day.Messages, day.UniqueUsers)
	}

	r.reply(ctx, s, msg.Chat.ID, strings.TrimRight(b.String(), "\n"))
}

func (r *router) handleExportData(ctx context.Context, s sender, msg *models.Message, args []string) {
	if !r.requireTrackedGroup(ctx, s, msg) {
		return
	}

	days, ok := parseDaysArg(args, stats.DefaultExportDays)
	if !ok {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /export_data [days]")
		return
	}

	data, err := r.deps.Stats.ExportCSV(ctx, msg.Chat.ID, days)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "export_data", err)
		r.reply(ctx, s, msg.Chat.ID, "Failed to export data.")
		return
	}

	days = clamp(days, stats.MaxExportDays)
	filename := fmt.Sprintf("activity_export_%d_%s.csv", msg.Chat.ID, time.Now().Format("20060102"))
	caption := fmt.Sprintf("Activity data for last %d days", days)
	r.sendDocument(ctx, s, msg.Chat.ID, filename, caption, data)
}

func (r *router) handlePendingGroups(ctx context.Context, s sender, msg *models.Message, _ []string) {
	groups, err := r.deps.Registry.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "pending_groups", err)
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}
	if len(groups) == 0 {
		r.reply(ctx, s, msg.Chat.ID, "No groups pending approval.")
		return
	}

	var b strings.Builder
	b.WriteString("Groups Pending Approval:\n\n")
	for _, group := range groups {
		fmt.Fprintf(&b, "%s\n  Chat ID: %d\n  Registered: %s\n\n",
			group.Title, group.ChatID, group.RegisteredAt.Format(domain.DateLayout))
	}
	b.WriteString("Approve with /approve_trial <chat_id> [hours]")

	r.reply(ctx, s, msg.Chat.ID, b.String())
}

func (r *router) handleApproveTrial(ctx context.Context, s sender, msg *models.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /approve_trial <chat_id> [hours]")
		return
	}

	chatID, err := parseID(args[0])
	if err != nil {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /approve_trial <chat_id> [hours]")
		return
	}

	hours := defaultTrialHours
	if len(args) > 1 {
		hours, err = strconv.Atoi(args[1])
		if err != nil || hours < 0 {
			r.reply(ctx, s, msg.Chat.ID, "Usage: /approve_trial <chat_id> [hours]")
			return
		}
	}

	if err := r.deps.Registry.ApproveTrial(ctx, chatID, time.Duration(hours)*time.Hour); err != nil {
		r.replyLifecycleFault(ctx, s, msg.Chat.ID, chatID, "approve trial", err)
		return
	}

	r.reply(ctx, s, msg.Chat.ID, fmt.Sprintf("Trial enabled for group %d for %d hours.", chatID, hours))
}

func (r *router) handleExtendSubscription(ctx context.Context, s sender, msg *models.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /extend_subscription <chat_id> [days]")
		return
	}

	chatID, err := parseID(args[0])
	if err != nil {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /extend_subscription <chat_id> [days]")
		return
	}

	days := defaultSubscriptionDays
	if len(args) > 1 {
		days, err = strconv.Atoi(args[1])
		if err != nil || days < 0 {
			r.reply(ctx, s, msg.Chat.ID, "Usage: /extend_subscription <chat_id> [days]")
			return
		}
	}

	if err := r.deps.Registry.ExtendSubscription(ctx, chatID, time.Duration(days)*24*time.Hour); err != nil {
		r.replyLifecycleFault(ctx, s, msg.Chat.ID, chatID, "extend subscription", err)
		return
	}

	r.reply(ctx, s, msg.Chat.ID, fmt.Sprintf("Subscription active for group %d for %d days.", chatID, days))
}

func (r *router) handleAddGroupAdmin(ctx context.Context, s sender, msg *models.Message, args []string) {
	if len(args) < 2 {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /add_group_admin <chat_id> <user_id>")
		return
	}

	chatID, err := parseID(args[0])
	if err != nil {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /add_group_admin <chat_id> <user_id>")
		return
	}
	userID, err := parseID(args[1])
	if err != nil {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /add_group_admin <chat_id> <user_id>")
		return
	}

	if err := r.deps.Registry.AddAdmin(ctx, chatID, userID); err != nil {
		r.replyLifecycleFault(ctx, s, msg.Chat.ID, chatID, "add group admin", err)
		return
	}

	r.reply(ctx, s, msg.Chat.ID, fmt.Sprintf("User %d can now manage group %d.", userID, chatID))
}

func (r *router) handleRevokeAccess(ctx context.Context, s sender, msg *models.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /revoke_access <chat_id>")
		return
	}

	chatID, err := parseID(args[0])
	if err != nil {
		r.reply(ctx, s, msg.Chat.ID, "Usage: /revoke_access <chat_id>")
		return
	}

	if err := r.deps.Registry.Revoke(ctx, chatID); err != nil {
		r.replyLifecycleFault(ctx, s, msg.Chat.ID, chatID, "revoke access", err)
		return
	}

	r.reply(ctx, s, msg.Chat.ID, fmt.Sprintf("Access revoked for group %d.", chatID))
}

func (r *router) handleBackupNow(ctx context.Context, s sender, msg *models.Message, _ []string) {
	if r.deps.Bridge == nil {
		r.reply(ctx, s, msg.Chat.ID, "Backup is not configured.")
		return
	}

	count, err := r.deps.Bridge.Backup(ctx)
	if errors.Is(err, backup.ErrNotConfigured) {
		r.reply(ctx, s, msg.Chat.ID, "Backup is not configured.")
		return
	}
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "backup_now", err)
		r.reply(ctx, s, msg.Chat.ID, "Backup failed.")
		return
	}

	r.reply(ctx, s, msg.Chat.ID, fmt.Sprintf("Backed up %d groups.", count))
}

func (r *router) handleRestoreBackup(ctx context.Context, s sender, msg *models.Message, _ []string) {
	if r.deps.Bridge == nil {
		r.reply(ctx, s, msg.Chat.ID, "Backup is not configured.")
		return
	}

	count, err := r.deps.Bridge.Restore(ctx)
	switch {
	case errors.Is(err, backup.ErrNotConfigured):
		r.reply(ctx, s, msg.Chat.ID, "Backup is not configured.")
	case errors.Is(err, backup.ErrNoBackupData):
		r.reply(ctx, s, msg.Chat.ID, "No backup data found.")
	case err != nil:
		r.logQueryFault(msg.Chat.ID, "restore_backup", err)
		r.reply(ctx, s, msg.Chat.ID, "Restore failed.")
	default:
		r.reply(ctx, s, msg.Chat.ID, fmt.Sprintf("Restored %d groups.", count))
	}
}

// handleDownloadDB sends the full group registry as a CSV artifact.
func (r *router) handleDownloadDB(ctx context.Context, s sender, msg *models.Message, _ []string) {
	groups, err := r.deps.Registry.ListAll(ctx)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "download_db", err)
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return
	}
	if len(groups) == 0 {
		r.reply(ctx, s, msg.Chat.ID, "No groups registered yet.")
		return
	}

	data, err := groupsCSV(groups)
	if err != nil {
		r.logQueryFault(msg.Chat.ID, "download_db", err)
		r.reply(ctx, s, msg.Chat.ID, "Failed to build registry dump.")
		return
	}

	filename := fmt.Sprintf("groups_%s.csv", time.Now().Format("20060102"))
	r.sendDocument(ctx, s, msg.Chat.ID, filename, "Group registry dump", data)
}

func (r *router) sendDocument(ctx context.Context, s sender, chatID int64, filename, caption, data string) {
	_, err := s.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:   chatID,
		Document: &models.InputFileUpload{Filename: filename, Data: strings.NewReader(data)},
		Caption:  caption,
	})
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"event":   "document_send_failed",
			"chat_id": chatID,
		}).WithError(err).Error("failed to send document")
	}
}

func (r *router) replyLifecycleFault(ctx context.Context, s sender, replyTo, chatID int64, action string, err error) {
	if errors.Is(err, domain.ErrGroupNotFound) {
		r.reply(ctx, s, replyTo, fmt.Sprintf("Group %d is not registered.", chatID))
		return
	}

	r.logger.WithFields(logging.Fields{
		"event":   "lifecycle_command_failed",
		"action":  action,
		"chat_id": chatID,
	}).WithError(err).Error("lifecycle command failed")
	r.reply(ctx, s, replyTo, "Command failed, try again later.")
}

func (r *router) logQueryFault(chatID int64, operation string, err error) {
	r.logger.WithFields(logging.Fields{
		"event":     "query_failed",
		"operation": operation,
		"chat_id":   chatID,
	}).WithError(err).Error("statistics query failed")
}

func groupsCSV(groups []domain.Group) (string, error) {
	var b strings.Builder
	writer := csv.NewWriter(&b)

	header := []string{"Chat ID", "Title", "Status", "Trial End", "Subscription End", "Registered At"}
	if err := writer.Write(header); err != nil {
		return "", fmt.Errorf("write registry header: %w", err)
	}

	for _, group := range groups {
		record := []string{
			strconv.FormatInt(group.ChatID, 10),
			group.Title,
			string(group.Status),
			formatDeadlineTime(group.TrialEnd),
			formatDeadlineTime(group.SubscriptionEnd),
			group.RegisteredAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return "", fmt.Errorf("write registry row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("flush registry dump: %w", err)
	}

	return b.String(), nil
}

func groupDeadline(group domain.Group) string {
	switch group.Status {
	case domain.StatusTrial:
		return formatDeadlineTime(group.TrialEnd)
	case domain.StatusActive:
		return formatDeadlineTime(group.SubscriptionEnd)
	default:
		return ""
	}
}

func formatDeadlineTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseDaysArg(args []string, fallback int) (int, bool) {
	if len(args) == 0 {
		return fallback, true
	}

	days, err := strconv.Atoi(args[0])
	if err != nil || days <= 0 {
		return 0, false
	}
	return days, true
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func clamp(days, limit int) int {
	if days > limit {
		return limit
	}
	return days
}
