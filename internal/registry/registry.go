// Package registry tracks groups and their access lifecycle, plus the
// per-group admin relation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_activity_bot/internal/domain"
	"tg_activity_bot/internal/logging"
)

type groupCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

type adminCollection interface {
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
}

// now is overridable for tests.
var now = time.Now

// Registry persists groups and group admins.
type Registry struct {
	groups groupCollection
	admins adminCollection
	logger *logrus.Entry
}

// NewRegistry constructs a Registry over the groups and group_admins collections.
func NewRegistry(groups groupCollection, admins adminCollection, logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registry{
		groups: groups,
		admins: admins,
		logger: logger,
	}
}

// Register inserts the group with status pending iff no row exists for the
// chat id, refreshing the stored title either way. It reports whether this
// call created the group, so callers can fire the one-time new-group
// notification exactly once.
func (r *Registry) Register(ctx context.Context, chatID int64, title string) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	if chatID == 0 {
		return false, errors.New("chat id is required")
	}

	setFields := bson.M{}
	if trimmed := strings.TrimSpace(title); trimmed != "" {
		setFields["title"] = trimmed
	}

	update := bson.M{
		"$setOnInsert": bson.M{
			"chat_id":       chatID,
			"status":        domain.StatusPending,
			"registered_at": now().UTC().Truncate(time.Millisecond),
		},
	}
	if len(setFields) > 0 {
		update["$set"] = setFields
	}

	result, err := r.groups.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("register group: %w", err)
	}

	created := result != nil && result.UpsertedCount > 0
	if created {
		r.logger.WithFields(logging.Fields{
			"event":   "group_registered",
			"chat_id": chatID,
		}).Info("registered new group as pending")
	}

	return created, nil
}

// ApproveTrial sets status trial with a fresh deadline, regardless of the
// prior status. Re-issuing on an existing trial re-arms it.
func (r *Registry) ApproveTrial(ctx context.Context, chatID int64, d time.Duration) error {
	deadline := now().Add(d).UTC().Truncate(time.Millisecond)
	return r.setStatus(ctx, chatID, bson.M{
		"status":    domain.StatusTrial,
		"trial_end": deadline,
	}, "group_trial_approved")
}

// ExtendSubscription sets status active with a fresh subscription deadline.
func (r *Registry) ExtendSubscription(ctx context.Context, chatID int64, d time.Duration) error {
	deadline := now().Add(d).UTC().Truncate(time.Millisecond)
	return r.setStatus(ctx, chatID, bson.M{
		"status":           domain.StatusActive,
		"subscription_end": deadline,
	}, "group_subscription_extended")
}

// Revoke force-sets status expired.
func (r *Registry) Revoke(ctx context.Context, chatID int64) error {
	return r.setStatus(ctx, chatID, bson.M{
		"status": domain.StatusExpired,
	}, "group_access_revoked")
}

func (r *Registry) setStatus(ctx context.Context, chatID int64, fields bson.M, event string) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if chatID == 0 {
		return errors.New("chat id is required")
	}

	result, err := r.groups.UpdateOne(ctx, bson.M{"chat_id": chatID}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("update group status: %w", err)
	}
	if result == nil || result.MatchedCount == 0 {
		return domain.ErrGroupNotFound
	}

	r.logger.WithFields(logging.Fields{
		"event":   event,
		"chat_id": chatID,
	}).Info("updated group lifecycle")

	return nil
}

// Upsert overwrites the stored group row keyed by chat id, including the
// lifecycle fields. Used by the restore path, where the external store wins.
func (r *Registry) Upsert(ctx context.Context, group domain.Group) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if group.ChatID == 0 {
		return errors.New("chat id is required")
	}

	set := bson.M{
		"chat_id":       group.ChatID,
		"title":         group.Title,
		"status":        group.Status,
		"registered_at": group.RegisteredAt,
	}
	unset := bson.M{}

	if group.TrialEnd != nil {
		set["trial_end"] = *group.TrialEnd
	} else {
		unset["trial_end"] = ""
	}
	if group.SubscriptionEnd != nil {
		set["subscription_end"] = *group.SubscriptionEnd
	} else {
		unset["subscription_end"] = ""
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	if _, err := r.groups.UpdateOne(ctx,
		bson.M{"chat_id": group.ChatID},
		update,
		options.Update().SetUpsert(true),
	); err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}

	return nil
}

// AddAdmin grants export rights over the group to the user. Idempotent.
func (r *Registry) AddAdmin(ctx context.Context, chatID, userID int64) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if chatID == 0 || userID == 0 {
		return errors.New("chat id and user id are required")
	}

	_, err := r.admins.UpdateOne(ctx,
		bson.M{"chat_id": chatID, "user_id": userID},
		bson.M{"$setOnInsert": bson.M{
			"chat_id":    chatID,
			"user_id":    userID,
			"granted_at": now().UTC().Truncate(time.Millisecond),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("add group admin: %w", err)
	}

	r.logger.WithFields(logging.Fields{
		"event":   "group_admin_added",
		"chat_id": chatID,
		"user_id": userID,
	}).Info("granted group admin rights")

	return nil
}

// IsAdmin reports whether the user holds export rights over the group.
func (r *Registry) IsAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}

	count, err := r.admins.CountDocuments(ctx, bson.M{"chat_id": chatID, "user_id": userID})
	if err != nil {
		return false, fmt.Errorf("count group admins: %w", err)
	}

	return count > 0, nil
}

// Get fetches a group by chat id. Returns domain.ErrGroupNotFound for
// unregistered chats.
func (r *Registry) Get(ctx context.Context, chatID int64) (domain.Group, error) {
	if err := r.ready(ctx); err != nil {
		return domain.Group{}, err
	}
	if chatID == 0 {
		return domain.Group{}, errors.New("chat id is required")
	}

	result := r.groups.FindOne(ctx, bson.M{"chat_id": chatID})
	if result == nil {
		return domain.Group{}, errors.New("find group returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Group{}, domain.ErrGroupNotFound
		}
		return domain.Group{}, fmt.Errorf("find group: %w", err)
	}

	var group domain.Group
	if err := result.Decode(&group); err != nil {
		return domain.Group{}, fmt.Errorf("decode group: %w", err)
	}

	return group, nil
}

// ListByStatus returns all groups currently holding the given stored status.
func (r *Registry) ListByStatus(ctx context.Context, status domain.GroupStatus) ([]domain.Group, error) {
	return r.list(ctx, bson.M{"status": status})
}

// ListAll returns every registered group.
func (r *Registry) ListAll(ctx context.Context) ([]domain.Group, error) {
	return r.list(ctx, bson.M{})
}

// ListByAdmin returns the groups the user administers.
func (r *Registry) ListByAdmin(ctx context.Context, userID int64) ([]domain.Group, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}
	if userID == 0 {
		return nil, errors.New("user id is required")
	}

	cursor, err := r.admins.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("find group admins: %w", err)
	}

	var grants []domain.GroupAdmin
	if err := cursor.All(ctx, &grants); err != nil {
		return nil, fmt.Errorf("decode group admins: %w", err)
	}

	if len(grants) == 0 {
		return []domain.Group{}, nil
	}

	chatIDs := make([]int64, 0, len(grants))
	for _, grant := range grants {
		chatIDs = append(chatIDs, grant.ChatID)
	}

	return r.list(ctx, bson.M{"chat_id": bson.M{"$in": chatIDs}})
}

func (r *Registry) list(ctx context.Context, filter bson.M) ([]domain.Group, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	cursor, err := r.groups.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find groups: %w", err)
	}

	var groups []domain.Group
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}

	if groups == nil {
		groups = []domain.Group{}
	}

	return groups, nil
}

func (r *Registry) ready(ctx context.Context) error {
	if r == nil || r.groups == nil || r.admins == nil {
		return errors.New("registry is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
