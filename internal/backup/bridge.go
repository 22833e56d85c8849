// Package backup mirrors the group registry to an external tabular store and
// restores it from there. Only group metadata crosses the bridge; activity
// events are never backed up.
package backup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tg_activity_bot/internal/domain"
	"tg_activity_bot/internal/logging"
)

// ErrNotConfigured is returned when the bridge has no row store wired.
var ErrNotConfigured = errors.New("backup store is not configured")

// ErrNoBackupData is returned by Restore when the external store holds no
// group rows. Local state is left untouched.
var ErrNoBackupData = errors.New("no backup data")

// backupColumns is the fixed header row of the external store.
var backupColumns = []string{
	"Chat ID",
	"Title",
	"Status",
	"Trial End",
	"Subscription End",
	"Registered At",
	"Backed Up At",
}

// RowStore is the external tabular store the bridge writes to and reads
// from. ReplaceAll overwrites the whole sheet; partial writes are not
// supported.
type RowStore interface {
	ReadAll(ctx context.Context) ([][]string, error)
	ReplaceAll(ctx context.Context, rows [][]string) error
}

type groupRegistry interface {
	ListAll(ctx context.Context) ([]domain.Group, error)
	Upsert(ctx context.Context, group domain.Group) error
}

// now is overridable for tests.
var now = time.Now

// Bridge copies the group registry to a RowStore and back.
type Bridge struct {
	store    RowStore
	registry groupRegistry
	logger   *logrus.Entry
}

// NewBridge constructs a Bridge. A nil store leaves the bridge unconfigured;
// Backup and Restore then fail with ErrNotConfigured.
func NewBridge(store RowStore, registry groupRegistry) *Bridge {
	return &Bridge{
		store:    store,
		registry: registry,
		logger:   logging.Logger().WithField("component", "backup"),
	}
}

// Backup overwrites the external store with every registered group plus a
// backed-up-at stamp. Returns the number of groups written.
func (b *Bridge) Backup(ctx context.Context) (int, error) {
	if err := b.ready(ctx); err != nil {
		return 0, err
	}

	groups, err := b.registry.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list groups: %w", err)
	}

	stamp := now().UTC().Format(time.RFC3339)
	rows := make([][]string, 0, len(groups)+1)
	rows = append(rows, backupColumns)
	for _, group := range groups {
		rows = append(rows, serializeGroup(group, stamp))
	}

	if err := b.store.ReplaceAll(ctx, rows); err != nil {
		return 0, fmt.Errorf("write backup rows: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"event":  "backup_complete",
		"groups": len(groups),
	}).Info("group registry backed up")

	return len(groups), nil
}

// Restore reads every row from the external store and upserts the groups
// locally, keyed by chat id. The external store wins on conflict. An empty
// or header-only store returns ErrNoBackupData without touching local state.
func (b *Bridge) Restore(ctx context.Context) (int, error) {
	if err := b.ready(ctx); err != nil {
		return 0, err
	}

	rows, err := b.store.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read backup rows: %w", err)
	}
	if len(rows) <= 1 {
		return 0, ErrNoBackupData
	}

	groups := make([]domain.Group, 0, len(rows)-1)
	for i, row := range rows[1:] {
		group, err := parseGroupRow(row)
		if err != nil {
			return 0, fmt.Errorf("parse backup row %d: %w", i+2, err)
		}
		groups = append(groups, group)
	}

	for _, group := range groups {
		if err := b.registry.Upsert(ctx, group); err != nil {
			return 0, fmt.Errorf("restore group %d: %w", group.ChatID, err)
		}
	}

	b.logger.WithFields(logrus.Fields{
		"event":  "restore_complete",
		"groups": len(groups),
	}).Info("group registry restored")

	return len(groups), nil
}

func (b *Bridge) ready(ctx context.Context) error {
	if b == nil || b.store == nil {
		return ErrNotConfigured
	}
	if b.registry == nil {
		return errors.New("backup bridge is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func serializeGroup(group domain.Group, stamp string) []string {
	return []string{
		strconv.FormatInt(group.ChatID, 10),
		group.Title,
		string(group.Status),
		formatDeadline(group.TrialEnd),
		formatDeadline(group.SubscriptionEnd),
		group.RegisteredAt.UTC().Format(time.RFC3339),
		stamp,
	}
}

func parseGroupRow(row []string) (domain.Group, error) {
	if len(row) < 6 {
		return domain.Group{}, fmt.Errorf("expected at least 6 columns, got %d", len(row))
	}

	chatID, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return domain.Group{}, fmt.Errorf("chat id %q: %w", row[0], err)
	}

	status := domain.GroupStatus(row[2])
	switch status {
	case domain.StatusPending, domain.StatusTrial, domain.StatusActive, domain.StatusExpired:
	default:
		return domain.Group{}, fmt.Errorf("unknown status %q", row[2])
	}

	trialEnd, err := parseDeadline(row[3])
	if err != nil {
		return domain.Group{}, fmt.Errorf("trial end: %w", err)
	}
	subscriptionEnd, err := parseDeadline(row[4])
	if err != nil {
		return domain.Group{}, fmt.Errorf("subscription end: %w", err)
	}
	registeredAt, err := time.Parse(time.RFC3339, row[5])
	if err != nil {
		return domain.Group{}, fmt.Errorf("registered at: %w", err)
	}

	return domain.Group{
		ChatID:          chatID,
		Title:           row[1],
		Status:          status,
		TrialEnd:        trialEnd,
		SubscriptionEnd: subscriptionEnd,
		RegisteredAt:    registeredAt,
	}, nil
}

func formatDeadline(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseDeadline(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
