package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/groupwarden/groupwarden/internal/cache"
	"github.com/groupwarden/groupwarden/internal/store"
	"github.com/groupwarden/groupwarden/internal/tracker"
	"go.uber.org/zap"
)

const (
	// phaseCacheTTL bounds how stale a cached phase lookup may be during
	// hot ingestion. Transitions invalidate the entry immediately.
	phaseCacheTTL = 30 * time.Second

	// phaseCacheKind is the entity kind phase entries use in the
	// tenant-scoped cache.
	phaseCacheKind = "phase"

	// alertTTL is how long fraud-alert messages stay eligible for bulk
	// cleanup before expiring out of the tracked set.
	alertTTL = 24 * time.Hour
)

// IngestStatus classifies the outcome of an ingestion attempt.
type IngestStatus int

const (
	// IngestIgnored means the message was not an identity link or the
	// session is not collecting. Stray messages are dropped silently.
	IngestIgnored IngestStatus = iota
	// IngestAccepted means a new record was appended to the ledger.
	IngestAccepted
	// IngestDuplicate means the submission was rejected under the
	// one-link-per-user policy. Expected business outcome, not a failure.
	IngestDuplicate
	// IngestFraud means the handle was already claimed by another user.
	// The record is stored with a fraud marker for audit.
	IngestFraud
)

// IngestOutcome reports what happened to one submitted link.
type IngestOutcome struct {
	Status    IngestStatus
	Handle    string
	Record    *MessageRecord
	Offenders []uint64 // All submitters of the handle, set on IngestFraud
}

// Sender dispatches outgoing chat messages. Implemented by the platform
// layer; the engine only uses it to report fraud alerts.
type Sender interface {
	SendEvent(ctx context.Context, chatID string, payload string) (int64, error)
}

// Archiver durably persists a closed session's ledger. CloseSession will not
// clear hot state until this returns nil.
type Archiver interface {
	ArchiveSession(ctx context.Context, tenantID, groupID, sessionID string, ledger []MessageRecord) error
}

// Engine owns the per-(tenant, group) session lifecycle: the phase state
// machine, the message ledger, duplicate detection and verification state.
// All state lives in the shared store so any worker may serve any event.
type Engine struct {
	store    *store.Client
	cache    *cache.Cache
	detector *Detector
	sender   Sender
	archiver Archiver
	tracker  *tracker.Manager
	logger   *zap.Logger
}

// NewEngine wires the session engine. sender and tracker may be nil when the
// caller handles fraud reporting itself; archiver may be nil only if
// CloseSession is never used.
func NewEngine(
	store *store.Client,
	cache *cache.Cache,
	detector *Detector,
	sender Sender,
	archiver Archiver,
	tracker *tracker.Manager,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:    store,
		cache:    cache,
		detector: detector,
		sender:   sender,
		archiver: archiver,
		tracker:  tracker,
		logger:   logger.Named("session"),
	}
}

// StartSession creates a fresh session in the collecting phase. Returns
// false without error if an active session already exists (idempotent).
// Starting over a closed session discards its hot-state marker and begins a
// new instance.
func (e *Engine) StartSession(ctx context.Context, tenantID, groupID string) (bool, error) {
	key := sessionKey(tenantID, groupID)

	raw, ok, err := e.store.GetField(ctx, key, phaseField)
	if err != nil {
		return false, err
	}

	if ok {
		if phase, valid := ParsePhase(string(raw)); valid && phase != PhaseClosed {
			return false, nil
		}

		// Previous instance is closed; clear its marker before starting over.
		if err := e.clearHotState(ctx, tenantID, groupID); err != nil {
			return false, err
		}
	}

	// HSETNX decides the race between two concurrent starts: exactly one
	// caller creates the session, the other reports "already started".
	created, err := e.store.SetFieldNX(ctx, key, phaseField, []byte(PhaseCollecting))
	if err != nil {
		return false, err
	}

	if !created {
		return false, nil
	}

	if err := e.store.SetField(ctx, key, instanceField, []byte(uuid.New().String())); err != nil {
		return false, err
	}

	if err := e.cache.Invalidate(ctx, tenantID, phaseCacheKind, groupID); err != nil {
		e.logger.Debug("Failed to invalidate phase cache", zap.Error(err))
	}

	e.logger.Info("Session started",
		zap.String("tenant", tenantID),
		zap.String("group", groupID))

	return true, nil
}

// GetPhase returns the session's current phase, or false if no session
// exists. Lookups go through the tenant-scoped cache; store failures on this
// read path degrade to "no session".
func (e *Engine) GetPhase(ctx context.Context, tenantID, groupID string) (Phase, bool) {
	if value, ok := e.cache.Get(ctx, tenantID, phaseCacheKind, groupID); ok {
		phase, valid := ParsePhase(string(value))
		return phase, valid
	}

	raw, ok, err := e.store.GetField(ctx, sessionKey(tenantID, groupID), phaseField)
	if err != nil {
		e.logger.Debug("Phase lookup degraded to no session", zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}

	phase, valid := ParsePhase(string(raw))
	if !valid {
		return "", false
	}

	if err := e.cache.Set(ctx, tenantID, phaseCacheKind, groupID, raw, phaseCacheTTL); err != nil {
		e.logger.Debug("Failed to repopulate phase cache", zap.Error(err))
	}

	return phase, true
}

// AdvancePhase moves a collecting session into verifying. Any other starting
// phase fails with ErrInvalidPhaseTransition.
func (e *Engine) AdvancePhase(ctx context.Context, tenantID, groupID string) error {
	key := sessionKey(tenantID, groupID)

	raw, ok, err := e.store.GetField(ctx, key, phaseField)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no active session", ErrInvalidPhaseTransition)
	}

	phase, _ := ParsePhase(string(raw))
	if !phase.canAdvanceTo(PhaseVerifying) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, phase, PhaseVerifying)
	}

	if err := e.store.SetField(ctx, key, phaseField, []byte(PhaseVerifying)); err != nil {
		return err
	}

	if err := e.cache.Invalidate(ctx, tenantID, phaseCacheKind, groupID); err != nil {
		e.logger.Debug("Failed to invalidate phase cache", zap.Error(err))
	}

	e.logger.Info("Session advanced to verifying",
		zap.String("tenant", tenantID),
		zap.String("group", groupID))

	return nil
}

// CloseSession archives the full ledger durably and only then clears hot
// state, leaving a closed marker behind. Legal from any non-closed phase.
// Returns the archived ledger.
func (e *Engine) CloseSession(ctx context.Context, tenantID, groupID string) ([]MessageRecord, error) {
	key := sessionKey(tenantID, groupID)

	fields, err := e.store.GetAllFields(ctx, key)
	if err != nil {
		return nil, err
	}

	raw, ok := fields[phaseField]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, tenantID, groupID)
	}

	phase, _ := ParsePhase(raw)
	if !phase.canAdvanceTo(PhaseClosed) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, phase, PhaseClosed)
	}

	ledger := parseLedger(fields, e.logger)

	// The archive write must be acknowledged before hot state is cleared;
	// a crash in between leaves the session open rather than losing data.
	if err := e.archiver.ArchiveSession(ctx, tenantID, groupID, fields[instanceField], ledger); err != nil {
		return nil, fmt.Errorf("failed to archive session: %w", err)
	}

	if err := e.clearHotState(ctx, tenantID, groupID); err != nil {
		return nil, err
	}

	if err := e.store.SetField(ctx, key, phaseField, []byte(PhaseClosed)); err != nil {
		return nil, err
	}

	if err := e.cache.Invalidate(ctx, tenantID, phaseCacheKind, groupID); err != nil {
		e.logger.Debug("Failed to invalidate phase cache", zap.Error(err))
	}

	e.logger.Info("Session closed",
		zap.String("tenant", tenantID),
		zap.String("group", groupID),
		zap.Int("records", len(ledger)))

	return ledger, nil
}

// IngestLink processes one submitted link. Outside the collecting phase, or
// for links that are not identity links, it is a silent no-op. Safe under
// concurrent ingestion for the same group: sequence numbers come from an
// atomic counter and records are written to distinct fields.
func (e *Engine) IngestLink(
	ctx context.Context, tenantID, groupID string, userID uint64, displayName, link string,
) (*IngestOutcome, error) {
	if phase, ok := e.GetPhase(ctx, tenantID, groupID); !ok || phase != PhaseCollecting {
		return &IngestOutcome{Status: IngestIgnored}, nil
	}

	handle, ok := e.detector.CanonicalHandle(link)
	if !ok {
		return &IngestOutcome{Status: IngestIgnored}, nil
	}

	// HSETNX registers the handle's first submitter exactly once regardless
	// of how many workers race on it.
	firstSeen, err := e.store.SetFieldNX(
		ctx, handlesKey(tenantID, groupID), handle, []byte(strconv.FormatUint(userID, 10)),
	)
	if err != nil {
		return nil, err
	}

	var firstSubmitter uint64
	if !firstSeen {
		raw, ok, err := e.store.GetField(ctx, handlesKey(tenantID, groupID), handle)
		if err != nil {
			return nil, err
		}
		if ok {
			firstSubmitter, _ = strconv.ParseUint(string(raw), 10, 64)
		}
	}

	decision := e.detector.Decide(firstSeen, firstSubmitter, userID)
	if decision == DecisionReject {
		return &IngestOutcome{Status: IngestDuplicate, Handle: handle}, nil
	}

	// Atomic increment guarantees contiguous, collision-free sequence
	// numbers; the record lands in its own hash field so concurrent
	// ingesters never clobber each other.
	seq, err := e.store.IncrField(ctx, sessionKey(tenantID, groupID), seqField)
	if err != nil {
		return nil, err
	}

	record := MessageRecord{
		Seq:         seq,
		UserID:      userID,
		DisplayName: displayName,
		Link:        link,
		Handle:      handle,
		Fraud:       decision == DecisionFraud,
		CreatedAt:   time.Now().UTC(),
	}

	if err := e.writeRecord(ctx, tenantID, groupID, &record); err != nil {
		return nil, err
	}

	if err := e.store.AddToSet(
		ctx, userRecordsKey(tenantID, groupID, userID), strconv.FormatInt(seq, 10),
	); err != nil {
		return nil, err
	}

	if err := e.store.AddToSet(
		ctx, handleUsersKey(tenantID, groupID, handle), strconv.FormatUint(userID, 10),
	); err != nil {
		return nil, err
	}

	if decision != DecisionFraud {
		return &IngestOutcome{Status: IngestAccepted, Handle: handle, Record: &record}, nil
	}

	offenders, err := e.handleSubmitters(ctx, tenantID, groupID, handle)
	if err != nil {
		return nil, err
	}

	e.reportFraud(ctx, tenantID, groupID, handle, offenders)

	e.logger.Warn("Duplicate handle submitted by different user",
		zap.String("tenant", tenantID),
		zap.String("group", groupID),
		zap.String("handle", handle),
		zap.Uint64s("offenders", offenders))

	return &IngestOutcome{
		Status:    IngestFraud,
		Handle:    handle,
		Record:    &record,
		Offenders: offenders,
	}, nil
}

// QueryUnverified returns all unverified records in sequence order.
func (e *Engine) QueryUnverified(ctx context.Context, tenantID, groupID string) ([]MessageRecord, error) {
	ledger, err := e.Ledger(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}

	unverified := make([]MessageRecord, 0, len(ledger))
	for _, record := range ledger {
		if !record.Verified {
			unverified = append(unverified, record)
		}
	}

	return unverified, nil
}

// QueryByUser returns one user's records in sequence order. The lookup is
// bounded by the user's own record count via the per-user index.
func (e *Engine) QueryByUser(
	ctx context.Context, tenantID, groupID string, userID uint64,
) ([]MessageRecord, error) {
	seqs, err := e.userSeqs(ctx, tenantID, groupID, userID)
	if err != nil {
		return nil, err
	}

	records := make([]MessageRecord, 0, len(seqs))
	for _, seq := range seqs {
		record, ok, err := e.readRecord(ctx, tenantID, groupID, seq)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, *record)
		}
	}

	return records, nil
}

// UsersWithMultipleLinks returns, per user with more than one record, the
// links they submitted. Used by moderators to spot spray submitters.
func (e *Engine) UsersWithMultipleLinks(
	ctx context.Context, tenantID, groupID string,
) (map[uint64][]string, error) {
	ledger, err := e.Ledger(ctx, tenantID, groupID)
	if err != nil {
		return nil, err
	}

	byUser := make(map[uint64][]string)
	for _, record := range ledger {
		byUser[record.UserID] = append(byUser[record.UserID], record.Link)
	}

	for userID, links := range byUser {
		if len(links) < 2 {
			delete(byUser, userID)
		}
	}

	return byUser, nil
}

// ParticipantCount returns the number of distinct submitters in the session.
func (e *Engine) ParticipantCount(ctx context.Context, tenantID, groupID string) (int, error) {
	ledger, err := e.Ledger(ctx, tenantID, groupID)
	if err != nil {
		return 0, err
	}

	users := make(map[uint64]struct{}, len(ledger))
	for _, record := range ledger {
		users[record.UserID] = struct{}{}
	}

	return len(users), nil
}

// Ledger returns the full ordered ledger for a session. Returns ErrNotFound
// if no session exists.
func (e *Engine) Ledger(ctx context.Context, tenantID, groupID string) ([]MessageRecord, error) {
	fields, err := e.store.GetAllFields(ctx, sessionKey(tenantID, groupID))
	if err != nil {
		return nil, err
	}

	if _, ok := fields[phaseField]; !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, tenantID, groupID)
	}

	return parseLedger(fields, e.logger), nil
}

// reportFraud sends the fraud alert through the platform sender and records
// the emitted message for later bulk cleanup. Best-effort: a send failure
// never fails the ingestion that detected the fraud.
func (e *Engine) reportFraud(ctx context.Context, tenantID, groupID, handle string, offenders []uint64) {
	if e.sender == nil {
		return
	}

	tags := make([]string, 0, len(offenders))
	for _, userID := range offenders {
		tags = append(tags, fmt.Sprintf(`<a href="tg://user?id=%d">%d</a>`, userID, userID))
	}

	alert := fmt.Sprintf(
		"⚠️ <b>Fraud Alert</b>\nMultiple users are sharing the same account link: <code>%s</code>\nSuspicious users: %s",
		handle, strings.Join(tags, ", "),
	)

	messageID, err := e.sender.SendEvent(ctx, groupID, alert)
	if err != nil {
		e.logger.Error("Failed to send fraud alert",
			zap.String("tenant", tenantID),
			zap.String("group", groupID),
			zap.Error(err))
		return
	}

	if e.tracker != nil {
		if err := e.tracker.Track(ctx, tenantID, groupID, messageID, alertTTL); err != nil {
			e.logger.Error("Failed to track fraud alert message", zap.Error(err))
		}
	}
}

// handleSubmitters returns every user who submitted the handle, sorted for
// stable alert output.
func (e *Engine) handleSubmitters(
	ctx context.Context, tenantID, groupID, handle string,
) ([]uint64, error) {
	members, err := e.store.SetMembers(ctx, handleUsersKey(tenantID, groupID, handle))
	if err != nil {
		return nil, err
	}

	users := make([]uint64, 0, len(members))
	for _, member := range members {
		if userID, err := strconv.ParseUint(member, 10, 64); err == nil {
			users = append(users, userID)
		}
	}

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	return users, nil
}

// userSeqs returns a user's record sequence numbers in ascending order.
func (e *Engine) userSeqs(
	ctx context.Context, tenantID, groupID string, userID uint64,
) ([]int64, error) {
	members, err := e.store.SetMembers(ctx, userRecordsKey(tenantID, groupID, userID))
	if err != nil {
		return nil, err
	}

	seqs := make([]int64, 0, len(members))
	for _, member := range members {
		if seq, err := strconv.ParseInt(member, 10, 64); err == nil {
			seqs = append(seqs, seq)
		}
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	return seqs, nil
}

func (e *Engine) writeRecord(ctx context.Context, tenantID, groupID string, record *MessageRecord) error {
	raw, err := sonic.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return e.store.SetField(ctx, sessionKey(tenantID, groupID), recordField(record.Seq), raw)
}

func (e *Engine) readRecord(
	ctx context.Context, tenantID, groupID string, seq int64,
) (*MessageRecord, bool, error) {
	raw, ok, err := e.store.GetField(ctx, sessionKey(tenantID, groupID), recordField(seq))
	if err != nil || !ok {
		return nil, false, err
	}

	var record MessageRecord
	if err := sonic.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return &record, true, nil
}

// clearHotState deletes the session hash and every key under its ":"-scoped
// family. The scan pattern must not be a bare prefix match: group "1" would
// otherwise swallow group "12"'s keys.
func (e *Engine) clearHotState(ctx context.Context, tenantID, groupID string) error {
	base := sessionKey(tenantID, groupID)

	keys, err := e.store.ScanKeys(ctx, base+":*")
	if err != nil {
		return err
	}

	return e.store.DeleteKeys(ctx, append(keys, base)...)
}

// parseLedger extracts and orders the msg:* fields of a session hash.
func parseLedger(fields map[string]string, logger *zap.Logger) []MessageRecord {
	ledger := make([]MessageRecord, 0, len(fields))

	for field, raw := range fields {
		if !strings.HasPrefix(field, recordFieldPfx) {
			continue
		}

		var record MessageRecord
		if err := sonic.Unmarshal([]byte(raw), &record); err != nil {
			logger.Error("Failed to unmarshal ledger record",
				zap.String("field", field),
				zap.Error(err))
			continue
		}

		ledger = append(ledger, record)
	}

	sort.Slice(ledger, func(i, j int) bool { return ledger[i].Seq < ledger[j].Seq })

	return ledger
}
