// Package activity records inbound message events as append-only facts.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_activity_bot/internal/domain"
	"tg_activity_bot/internal/logging"
)

type insertCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// now is overridable for tests.
var now = time.Now

// Recorder appends one activity event per inbound message.
type Recorder struct {
	events          insertCollection
	trackTextLength bool
	logger          *logrus.Entry
}

// NewRecorder constructs a Recorder for the provided activity collection.
// When trackTextLength is false, recorded text events store a zero character
// count.
func NewRecorder(events insertCollection, trackTextLength bool, logger *logrus.Entry) *Recorder {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Recorder{
		events:          events,
		trackTextLength: trackTextLength,
		logger:          logger,
	}
}

// RecordInput carries the identity and content signals of one inbound message.
type RecordInput struct {
	ChatID    int64
	UserID    int64
	Username  string
	FirstName string
	Content   domain.MessageContent
}

// Record classifies the message, stamps the current instant plus its derived
// calendar day and hour, and inserts exactly one event document.
func (r *Recorder) Record(ctx context.Context, in RecordInput) (domain.ActivityEvent, error) {
	if r == nil || r.events == nil {
		return domain.ActivityEvent{}, errors.New("recorder is not initialized")
	}
	if ctx == nil {
		return domain.ActivityEvent{}, errors.New("context is required")
	}
	if in.ChatID == 0 {
		return domain.ActivityEvent{}, errors.New("chat id is required")
	}
	if in.UserID == 0 {
		return domain.ActivityEvent{}, errors.New("user id is required")
	}

	kind, chars := domain.Classify(in.Content)
	if !r.trackTextLength {
		chars = 0
	}

	ts := now()
	event := domain.ActivityEvent{
		ChatID:    in.ChatID,
		UserID:    in.UserID,
		Username:  strings.TrimSpace(in.Username),
		FirstName: strings.TrimSpace(in.FirstName),
		Timestamp: ts.UTC().Truncate(time.Millisecond),
		Kind:      kind,
		CharCount: chars,
		Date:      ts.Format(domain.DateLayout),
		Hour:      ts.Hour(),
	}

	if _, err := r.events.InsertOne(ctx, event); err != nil {
		return domain.ActivityEvent{}, fmt.Errorf("insert activity event: %w", err)
	}

	return event, nil
}

// RecordBestEffort records the message and swallows any storage fault after
// logging it. Recording must never abort message handling.
func (r *Recorder) RecordBestEffort(ctx context.Context, in RecordInput) {
	event, err := r.Record(ctx, in)
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"event":   "activity_record_failed",
			"chat_id": in.ChatID,
			"user_id": in.UserID,
		}).WithError(err).Error("failed to record activity")
		return
	}

	r.logger.WithFields(logging.Fields{
		"event":        "activity_recorded",
		"chat_id":      event.ChatID,
		"user_id":      event.UserID,
		"message_type": string(event.Kind),
	}).Debug("recorded activity")
}
