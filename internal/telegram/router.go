package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_activity_bot/internal/activity"
	"tg_activity_bot/internal/domain"
	"tg_activity_bot/internal/logging"
	"tg_activity_bot/internal/stats"
)

// sender is the slice of the bot API the handlers need. *bot.Bot satisfies it.
type sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
}

type messageRecorder interface {
	RecordBestEffort(ctx context.Context, in activity.RecordInput)
}

type groupRegistry interface {
	Register(ctx context.Context, chatID int64, title string) (bool, error)
	ApproveTrial(ctx context.Context, chatID int64, d time.Duration) error
	ExtendSubscription(ctx context.Context, chatID int64, d time.Duration) error
	Revoke(ctx context.Context, chatID int64) error
	AddAdmin(ctx context.Context, chatID, userID int64) error
	IsAdmin(ctx context.Context, chatID, userID int64) (bool, error)
	ListByStatus(ctx context.Context, status domain.GroupStatus) ([]domain.Group, error)
	ListByAdmin(ctx context.Context, userID int64) ([]domain.Group, error)
	ListAll(ctx context.Context) ([]domain.Group, error)
}

type accessEvaluator interface {
	Evaluate(ctx context.Context, chatID int64) (domain.GroupStatus, error)
}

type statsProvider interface {
	TopContributors(ctx context.Context, chatID int64, days, limit int) ([]stats.Contributor, error)
	PeakHours(ctx context.Context, chatID int64, days int) ([]stats.HourBucket, error)
	DailyBreakdown(ctx context.Context, chatID int64, days int) ([]stats.DayActivity, error)
	UserSummary(ctx context.Context, chatID, userID int64, days int) (stats.UserSummary, error)
	OverallStats(ctx context.Context, chatID int64) (stats.Overall, error)
	ExportCSV(ctx context.Context, chatID int64, days int) (string, error)
}

type backupBridge interface {
	Backup(ctx context.Context) (int, error)
	Restore(ctx context.Context) (int, error)
}

// Dependencies are the components the router dispatches into.
type Dependencies struct {
	Recorder  messageRecorder
	Registry  groupRegistry
	Evaluator accessEvaluator
	Stats     statsProvider
	Bridge    backupBridge
}

func (d Dependencies) validate() error {
	if d.Recorder == nil || d.Registry == nil || d.Evaluator == nil || d.Stats == nil {
		return errors.New("recorder, registry, evaluator, and stats are required")
	}
	return nil
}

// Canned replies per the error taxonomy: authorization faults get a fixed
// denial, storage faults degrade to a no-data message.
const (
	replyDenied    = "This command is only available to administrators."
	replyGroupOnly = "This command only works in groups."
	replyNoData    = "No activity data available yet."
	replyPending   = "This group is awaiting approval. Ask the bot owner to approve it."
	replyExpired   = "Access for this group has expired. Ask the bot owner to extend it."
)

type commandScope int

const (
	scopePublic commandScope = iota
	scopeGroupAdmin
	scopeSuperAdmin
)

type command struct {
	scope   commandScope
	handler func(ctx context.Context, s sender, msg *models.Message, args []string)
}

type router struct {
	ownerID  int64
	deps     Dependencies
	logger   *logrus.Entry
	commands map[string]command
}

func newRouter(ownerID int64, deps Dependencies, logger *logrus.Entry) *router {
	if logger == nil {
		logger = logging.Logger()
	}

	r := &router{
		ownerID: ownerID,
		deps:    deps,
		logger:  logger,
	}

	r.commands = map[string]command{
		"/start":           {scopePublic, r.handleStart},
		"/leaderboard":     {scopePublic, r.handleLeaderboard},
		"/peak_times":      {scopePublic, r.handlePeakTimes},
		"/community_stats": {scopePublic, r.handleCommunityStats},
		"/my_activity":     {scopePublic, r.handleMyActivity},
		"/my_groups":       {scopePublic, r.handleMyGroups},

		"/daily_report": {scopeGroupAdmin, r.handleDailyReport},
		"/export_data":  {scopeGroupAdmin, r.handleExportData},

		"/pending_groups":      {scopeSuperAdmin, r.handlePendingGroups},
		"/approve_trial":       {scopeSuperAdmin, r.handleApproveTrial},
		"/extend_subscription": {scopeSuperAdmin, r.handleExtendSubscription},
		"/add_group_admin":     {scopeSuperAdmin, r.handleAddGroupAdmin},
		"/revoke_access":       {scopeSuperAdmin, r.handleRevokeAccess},
		"/backup_now":          {scopeSuperAdmin, r.handleBackupNow},
		"/restore_backup":      {scopeSuperAdmin, r.handleRestoreBackup},
		"/download_db":         {scopeSuperAdmin, r.handleDownloadDB},
	}

	return r
}

// botHandler adapts the router to the bot's default handler. Live traffic
// sends through the real bot instance.
func (r *router) botHandler() bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		r.handleUpdate(ctx, b, update)
	}
}

func (r *router) handleUpdate(ctx context.Context, s sender, update *models.Update) {
	if update == nil || update.Message == nil {
		return
	}

	msg := update.Message
	if msg.From == nil {
		return
	}

	name, args, isCommand := parseCommand(msg.Text)
	if !isCommand {
		r.trackMessage(ctx, s, msg)
		return
	}

	cmd, known := r.commands[name]
	if !known {
		return
	}

	r.logger.WithFields(logging.Fields{
		"event":   "command_received",
		"command": name,
		"chat_id": msg.Chat.ID,
		"user_id": msg.From.ID,
	}).Info("dispatching command")

	if !r.authorized(ctx, cmd.scope, msg) {
		r.reply(ctx, s, msg.Chat.ID, replyDenied)
		return
	}

	cmd.handler(ctx, s, msg, args)
}

// trackMessage registers the group on first contact and records the message
// when the group's status permits tracking. Blocked groups are skipped
// silently; replying to every message would flood the chat.
func (r *router) trackMessage(ctx context.Context, s sender, msg *models.Message) {
	if !isGroupChat(msg.Chat) {
		return
	}

	created, err := r.deps.Registry.Register(ctx, msg.Chat.ID, msg.Chat.Title)
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"event":   "group_register_failed",
			"chat_id": msg.Chat.ID,
		}).WithError(err).Error("failed to register group")
		return
	}
	if created {
		r.notifyOwner(ctx, s, msg.Chat)
	}

	status, err := r.deps.Evaluator.Evaluate(ctx, msg.Chat.ID)
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"event":   "access_check_failed",
			"chat_id": msg.Chat.ID,
		}).WithError(err).Error("failed to evaluate group access")
		return
	}
	if !status.AllowsTracking() {
		return
	}

	r.deps.Recorder.RecordBestEffort(ctx, activity.RecordInput{
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		Username:  msg.From.Username,
		FirstName: msg.From.FirstName,
		Content:   messageContent(msg),
	})
}

// notifyOwner fires the one-time new-group notification that Register's
// created flag exists for.
func (r *router) notifyOwner(ctx context.Context, s sender, chat models.Chat) {
	r.logger.WithFields(logging.Fields{
		"event":   "group_registered",
		"chat_id": chat.ID,
		"title":   chat.Title,
	}).Info("new group pending approval")

	if r.ownerID == 0 {
		return
	}

	text := "New group pending approval: " + chat.Title +
		"\nChat ID: " + formatInt(chat.ID) +
		"\nApprove with /approve_trial " + formatInt(chat.ID)
	r.reply(ctx, s, r.ownerID, text)
}

func (r *router) authorized(ctx context.Context, scope commandScope, msg *models.Message) bool {
	switch scope {
	case scopePublic:
		return true
	case scopeSuperAdmin:
		return r.isSuperAdmin(msg.From.ID)
	case scopeGroupAdmin:
		if r.isSuperAdmin(msg.From.ID) {
			return true
		}
		isAdmin, err := r.deps.Registry.IsAdmin(ctx, msg.Chat.ID, msg.From.ID)
		if err != nil {
			r.logger.WithFields(logging.Fields{
				"event":   "admin_check_failed",
				"chat_id": msg.Chat.ID,
				"user_id": msg.From.ID,
			}).WithError(err).Error("failed to check group admin")
			return false
		}
		return isAdmin
	default:
		return false
	}
}

func (r *router) isSuperAdmin(userID int64) bool {
	return r.ownerID != 0 && userID == r.ownerID
}

// requireTrackedGroup gates the statistics commands: group chats only, and
// the group's status must permit tracking. Pending and expired groups each
// get their own reason.
func (r *router) requireTrackedGroup(ctx context.Context, s sender, msg *models.Message) bool {
	if !isGroupChat(msg.Chat) {
		r.reply(ctx, s, msg.Chat.ID, replyGroupOnly)
		return false
	}

	status, err := r.deps.Evaluator.Evaluate(ctx, msg.Chat.ID)
	if errors.Is(err, domain.ErrGroupNotFound) {
		r.reply(ctx, s, msg.Chat.ID, replyPending)
		return false
	}
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"event":   "access_check_failed",
			"chat_id": msg.Chat.ID,
		}).WithError(err).Error("failed to evaluate group access")
		r.reply(ctx, s, msg.Chat.ID, replyNoData)
		return false
	}

	switch status {
	case domain.StatusPending:
		r.reply(ctx, s, msg.Chat.ID, replyPending)
		return false
	case domain.StatusExpired:
		r.reply(ctx, s, msg.Chat.ID, replyExpired)
		return false
	}

	return true
}

func (r *router) reply(ctx context.Context, s sender, chatID int64, text string) {
	if _, err := s.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		r.logger.WithFields(logging.Fields{
			"event":   "reply_failed",
			"chat_id": chatID,
		}).WithError(err).Error("failed to send reply")
	}
}

func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}

	fields := strings.Fields(text)
	name := fields[0]
	if at := strings.Index(name, "@"); at > 0 {
		name = name[:at]
	}

	return name, fields[1:], true
}

func isGroupChat(chat models.Chat) bool {
	return chat.Type == "group" || chat.Type == "supergroup"
}

func messageContent(msg *models.Message) domain.MessageContent {
	return domain.MessageContent{
		Text:        msg.Text,
		HasPhoto:    len(msg.Photo) > 0,
		HasVideo:    msg.Video != nil,
		HasSticker:  msg.Sticker != nil,
		HasDocument: msg.Document != nil,
		HasVoice:    msg.Voice != nil,
	}
}
