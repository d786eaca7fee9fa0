package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"
)

// MemberIdentity identifies a member on one platform. Uniqueness for member
// upserts is (tenant, platform, username).
type MemberIdentity struct {
	Platform string `json:"platform"`
	Username string `json:"username"`
}

// Sink is the downstream writer data handlers push normalized records into.
// Both operations must be idempotent: at-least-once delivery means the same
// record can be upserted twice.
type Sink interface {
	// UpsertActivity writes an activity, deduplicated by (tenant, sourceID).
	UpsertActivity(ctx context.Context, tenantID, sourceID string, payload map[string]interface{}) error

	// UpsertMember writes a member keyed by its platform identities.
	UpsertMember(ctx context.Context, tenantID string, identities []MemberIdentity, payload map[string]interface{}) error
}

// LogSink is a Sink that only logs. It stands in where no real sink is wired,
// for local runs and tests.
type LogSink struct {
	Log *logrus.Entry
}

func (s *LogSink) UpsertActivity(ctx context.Context, tenantID, sourceID string, payload map[string]interface{}) error {
	s.Log.WithFields(logrus.Fields{
		"tenantId": tenantID,
		"sourceId": sourceID,
	}).Info("upsert activity")
	return nil
}

func (s *LogSink) UpsertMember(ctx context.Context, tenantID string, identities []MemberIdentity, payload map[string]interface{}) error {
	s.Log.WithFields(logrus.Fields{
		"tenantId":   tenantID,
		"identities": identities,
	}).Info("upsert member")
	return nil
}
