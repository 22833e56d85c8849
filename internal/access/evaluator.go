// Package access derives the current effective status of a group, applying
// lazy expiry: a lapsed trial or subscription is flipped to expired when the
// status is read, not by a background timer.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_activity_bot/internal/domain"
	"tg_activity_bot/internal/logging"
)

type groupCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

// now is overridable for tests.
var now = time.Now

// Evaluator reads group status and persists expiry transitions as a side
// effect of the read.
type Evaluator struct {
	groups groupCollection
	logger *logrus.Entry
}

// NewEvaluator constructs an Evaluator over the groups collection.
func NewEvaluator(groups groupCollection, logger *logrus.Entry) *Evaluator {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Evaluator{
		groups: groups,
		logger: logger,
	}
}

// Evaluate returns the group's effective status. When a trial or subscription
// deadline has passed, the expired status is persisted before returning.
// Unregistered chats return domain.ErrGroupNotFound.
func (e *Evaluator) Evaluate(ctx context.Context, chatID int64) (domain.GroupStatus, error) {
	if e == nil || e.groups == nil {
		return "", errors.New("evaluator is not initialized")
	}
	if ctx == nil {
		return "", errors.New("context is required")
	}
	if chatID == 0 {
		return "", errors.New("chat id is required")
	}

	result := e.groups.FindOne(ctx, bson.M{"chat_id": chatID})
	if result == nil {
		return "", errors.New("find group returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", domain.ErrGroupNotFound
		}
		return "", fmt.Errorf("find group: %w", err)
	}

	var group domain.Group
	if err := result.Decode(&group); err != nil {
		return "", fmt.Errorf("decode group: %w", err)
	}

	status, lapsed := group.EffectiveStatus(now())
	if !lapsed {
		return status, nil
	}

	if _, err := e.groups.UpdateOne(ctx,
		bson.M{"chat_id": chatID},
		bson.M{"$set": bson.M{"status": domain.StatusExpired}},
	); err != nil {
		return "", fmt.Errorf("persist expiry: %w", err)
	}

	e.logger.WithFields(logging.Fields{
		"event":       "group_expired",
		"chat_id":     chatID,
		"prior_state": string(group.Status),
	}).Info("group access expired")

	return domain.StatusExpired, nil
}
