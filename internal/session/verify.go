package session

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// VerifyStatus reports the outcome of marking a user verified.
type VerifyStatus int

const (
	// StatusVerified means at least one record flipped to verified.
	StatusVerified VerifyStatus = iota
	// StatusAlreadyVerified means all of the user's records were verified
	// before the call.
	StatusAlreadyVerified
	// StatusNoMessages means the user has no records in the session.
	StatusNoMessages
)

// MarkVerified flips all of one user's records to verified and returns the
// handle from their earliest record. Only legal in the verifying phase. The
// walk is bounded by the user's own record count.
func (e *Engine) MarkVerified(
	ctx context.Context, tenantID, groupID string, userID uint64,
) (string, VerifyStatus, error) {
	if err := e.requireVerifying(ctx, tenantID, groupID); err != nil {
		return "", StatusNoMessages, err
	}

	seqs, err := e.userSeqs(ctx, tenantID, groupID, userID)
	if err != nil {
		return "", StatusNoMessages, err
	}

	if len(seqs) == 0 {
		return "", StatusNoMessages, nil
	}

	var (
		handle  string
		flipped int
	)

	for _, seq := range seqs {
		record, ok, err := e.readRecord(ctx, tenantID, groupID, seq)
		if err != nil {
			return "", StatusNoMessages, err
		}
		if !ok {
			continue
		}

		if handle == "" {
			handle = record.Handle
		}

		if record.Verified {
			continue
		}

		record.Verified = true
		if err := e.writeRecord(ctx, tenantID, groupID, record); err != nil {
			return "", StatusNoMessages, err
		}

		flipped++
	}

	if flipped == 0 {
		return handle, StatusAlreadyVerified, nil
	}

	e.logger.Info("User marked verified",
		zap.String("tenant", tenantID),
		zap.String("group", groupID),
		zap.Uint64("user", userID),
		zap.Int("records", flipped))

	return handle, StatusVerified, nil
}

// UnverifiedUser is one user still awaiting verification, represented by the
// handle from their earliest record.
type UnverifiedUser struct {
	UserID      uint64
	DisplayName string
	Handle      string
}

// ListUnverified returns users with at least one unverified record, each
// appearing once in order of their earliest record. Only legal in the
// verifying phase; an empty result is a valid answer, distinct from the
// phase error.
func (e *Engine) ListUnverified(ctx context.Context, tenantID, groupID string) ([]UnverifiedUser, error) {
	if err := e.requireVerifying(ctx, tenantID, groupID); err != nil {
		return nil, err
	}

	ledger, err := e.Ledger(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]struct{}, len(ledger))
	users := make([]UnverifiedUser, 0, len(ledger))

	for _, record := range ledger {
		if record.Verified {
			continue
		}
		if _, ok := seen[record.UserID]; ok {
			continue
		}

		seen[record.UserID] = struct{}{}
		users = append(users, UnverifiedUser{
			UserID:      record.UserID,
			DisplayName: record.DisplayName,
			Handle:      record.Handle,
		})
	}

	return users, nil
}

// RequestScreenRecording flags a user as needing a screen recording and
// resets their records to unverified so they reappear in the pending list.
func (e *Engine) RequestScreenRecording(
	ctx context.Context, tenantID, groupID string, userID uint64,
) error {
	if err := e.store.AddToSet(
		ctx, srKey(tenantID, groupID), strconv.FormatUint(userID, 10),
	); err != nil {
		return err
	}

	seqs, err := e.userSeqs(ctx, tenantID, groupID, userID)
	if err != nil {
		return err
	}

	for _, seq := range seqs {
		record, ok, err := e.readRecord(ctx, tenantID, groupID, seq)
		if err != nil {
			return err
		}
		if !ok || !record.Verified {
			continue
		}

		record.Verified = false
		if err := e.writeRecord(ctx, tenantID, groupID, record); err != nil {
			return err
		}
	}

	e.logger.Info("Screen recording requested",
		zap.String("tenant", tenantID),
		zap.String("group", groupID),
		zap.Uint64("user", userID))

	return nil
}

// ClearScreenRecording drops a user's screen-recording flag. Idempotent.
func (e *Engine) ClearScreenRecording(
	ctx context.Context, tenantID, groupID string, userID uint64,
) error {
	return e.store.RemoveFromSet(
		ctx, srKey(tenantID, groupID), strconv.FormatUint(userID, 10),
	)
}

// PendingScreenRecordings returns users flagged for a screen recording.
func (e *Engine) PendingScreenRecordings(
	ctx context.Context, tenantID, groupID string,
) ([]uint64, error) {
	members, err := e.store.SetMembers(ctx, srKey(tenantID, groupID))
	if err != nil {
		return nil, err
	}

	users := make([]uint64, 0, len(members))
	for _, member := range members {
		if userID, err := strconv.ParseUint(member, 10, 64); err == nil {
			users = append(users, userID)
		}
	}

	return users, nil
}

func (e *Engine) requireVerifying(ctx context.Context, tenantID, groupID string) error {
	raw, ok, err := e.store.GetField(ctx, sessionKey(tenantID, groupID), phaseField)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no active session", ErrNotInVerifyingPhase)
	}

	if phase, _ := ParsePhase(string(raw)); phase != PhaseVerifying {
		return fmt.Errorf("%w: session is %s", ErrNotInVerifyingPhase, raw)
	}

	return nil
}
