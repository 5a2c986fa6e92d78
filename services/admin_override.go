package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.pilab.hu/sessionguard/domain"
	"go.pilab.hu/sessionguard/internal/audit"
	"go.pilab.hu/sessionguard/internal/metrics"
	"go.pilab.hu/sessionguard/internal/telemetry"
	"go.pilab.hu/sessionguard/log"
	"go.pilab.hu/sessionguard/tracing"
)

// AdminOverride is the privileged path for ending a user's session without
// the cooperation of the device holding it.
type AdminOverride struct {
	store  domain.RecordBackend
	logger log.Logger
}

// NewAdminOverride creates a new AdminOverride.
func NewAdminOverride(store domain.RecordBackend, logger log.Logger) *AdminOverride {
	return &AdminOverride{store: store, logger: logger}
}

// Revoke flags the user's record inactive. The session id is left alone;
// the holder's subscription sees IsActive=false and signs out.
func (o *AdminOverride) Revoke(ctx context.Context, actor, userID, reason string) (*domain.SessionRecord, error) {
	ctx, span := tracing.Tracer().Start(ctx, "AdminOverride.Revoke")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("actor", actor))

	userID = strings.TrimSpace(userID)
	reason = strings.TrimSpace(reason)
	if userID == "" || reason == "" {
		metrics.RevocationsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: user id and reason are required", domain.ErrInvalidArgument)
	}

	start := time.Now()
	rec, err := o.store.Revoke(ctx, userID, reason)
	audit.Log("admin", audit.ActionRevokeSession, actor, userID, reason, err == nil, err)
	if err != nil {
		metrics.RevocationsTotal.WithLabelValues("error").Inc()
		telemetry.ObserveRevoke(ctx, start, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error(ctx, "Failed to revoke session", err, log.Fields{"user_id": userID, "actor": actor})
		return nil, fmt.Errorf("revoke session of %s: %w", userID, err)
	}

	metrics.RevocationsTotal.WithLabelValues("ok").Inc()
	telemetry.ObserveRevoke(ctx, start, "ok")
	o.logger.Info(ctx, "Session revoked", log.Fields{
		"user_id":    userID,
		"session_id": rec.SessionID,
		"actor":      actor,
		"reason":     reason,
	})
	return rec, nil
}

// Inspect returns the user's current record.
func (o *AdminOverride) Inspect(ctx context.Context, userID string) (*domain.SessionRecord, error) {
	ctx, span := tracing.Tracer().Start(ctx, "AdminOverride.Inspect")
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	rec, err := o.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get session of %s: %w", userID, err)
	}
	return rec, nil
}
