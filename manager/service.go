package manager

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medhive/coordinator/pkg/aggregate"
	"github.com/medhive/coordinator/pkg/crypto"
	pkgerrors "github.com/medhive/coordinator/pkg/errors"
	"github.com/medhive/coordinator/pkg/events"
	"github.com/medhive/coordinator/pkg/metrics"
	"github.com/medhive/coordinator/pkg/model"
	"github.com/medhive/coordinator/pkg/registry"
	"github.com/medhive/coordinator/pkg/sink"
	"github.com/medhive/coordinator/pkg/storage"
)

// Service is the coordinator's round lifecycle surface.
type Service interface {
	RegisterClient(ctx context.Context, clientID, modelKind string, device registry.DeviceProfile) (registry.Client, error)
	PingClient(ctx context.Context, clientID string) error
	ListAvailableRounds(ctx context.Context, clientID, modelKind string) ([]RoundInvite, error)
	CreateRound(ctx context.Context, modelID, modelKind string, roundNumber int, cfg RoundConfig) (string, error)
	SelectClients(ctx context.Context, roundID string) error
	StartRound(ctx context.Context, roundID string) error
	Join(ctx context.Context, roundID, clientID string) (JoinResult, error)
	Decline(ctx context.Context, roundID, clientID string) error
	UploadModel(ctx context.Context, roundID, clientID string, blob, signature []byte, trainingMetrics map[string]float64) error
	GetRoundStatus(ctx context.Context, roundID string) (Round, error)
	GetBlob(ctx context.Context, ref string) ([]byte, error)
	GetGlobalModel(ctx context.Context, modelKind string, version int) ([]byte, int, error)
	ListModelVersions(ctx context.Context, modelKind string) ([]int, error)
	PurgeRound(ctx context.Context, roundID string) error
	Shutdown(ctx context.Context) error
}

// roundState pairs a round record with its lock and timeout timer. All
// mutation of the record happens under mu, one logical writer per round.
type roundState struct {
	mu    sync.Mutex
	round Round
	timer *time.Timer
}

type service struct {
	store     *storage.Store
	keys      *crypto.KeySet
	clients   *registry.Registry
	models    *model.Registry
	announcer events.Announcer
	sink      sink.Sink
	pool      *WorkerPool
	sm        *StateMachine
	logger    *slog.Logger

	securityEnabled bool
	testSetPath     string

	mu           sync.RWMutex
	rounds       map[string]*roundState
	byModelRound map[string]string
	shuttingDown bool
}

type Option func(*service)

// WithSecurity toggles signature verification and at-rest encryption of
// client uploads.
func WithSecurity(enabled bool) Option {
	return func(svc *service) { svc.securityEnabled = enabled }
}

// WithTestSet configures the held-out dataset handed to evaluation hooks.
func WithTestSet(path string) Option {
	return func(svc *service) { svc.testSetPath = path }
}

func NewService(
	store *storage.Store, keys *crypto.KeySet,
	clients *registry.Registry, models *model.Registry,
	announcer events.Announcer, snk sink.Sink,
	pool *WorkerPool, logger *slog.Logger, opts ...Option,
) Service {
	svc := &service{
		store:           store,
		keys:            keys,
		clients:         clients,
		models:          models,
		announcer:       announcer,
		sink:            snk,
		pool:            pool,
		sm:              NewStateMachine(),
		logger:          logger,
		securityEnabled: true,
		rounds:          make(map[string]*roundState),
		byModelRound:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(svc)
	}

	return svc
}

func (svc *service) RegisterClient(ctx context.Context, clientID, modelKind string, device registry.DeviceProfile) (registry.Client, error) {
	if _, err := svc.models.Lookup(modelKind); err != nil {
		return registry.Client{}, err
	}

	client, err := svc.clients.Register(clientID, modelKind, device)
	if err != nil {
		return registry.Client{}, err
	}

	metrics.ClientsRegistered.Set(float64(len(svc.clients.List(registry.Filter{}))))
	svc.logger.InfoContext(ctx, "Client registered",
		"client_id", client.ID, "name", client.Name, "model_kind", client.ModelKind)

	return client, nil
}

func (svc *service) PingClient(ctx context.Context, clientID string) error {
	return svc.clients.Touch(clientID)
}

func (svc *service) CreateRound(ctx context.Context, modelID, modelKind string, roundNumber int, cfg RoundConfig) (string, error) {
	if modelID == "" {
		return "", fmt.Errorf("%w: model id is required", pkgerrors.ErrValidation)
	}
	if roundNumber < 1 {
		return "", fmt.Errorf("%w: round number must be at least 1", pkgerrors.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if _, err := svc.models.Lookup(modelKind); err != nil {
		return "", err
	}
	if cfg.SelectionSeed == 0 {
		cfg.SelectionSeed = time.Now().UnixNano()
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.shuttingDown {
		return "", fmt.Errorf("%w: coordinator is shutting down", pkgerrors.ErrTransient)
	}

	key := modelRoundKey(modelID, roundNumber)
	if _, exists := svc.byModelRound[key]; exists {
		return "", fmt.Errorf("%w: round %d for model %s already exists", pkgerrors.ErrConflict, roundNumber, modelID)
	}

	initial, err := svc.initialGlobalBlob(modelID, modelKind, roundNumber)
	if err != nil {
		return "", err
	}

	ref, err := svc.store.PutBlob(storage.GlobalInitial, initial)
	if err != nil {
		return "", err
	}

	round := Round{
		ID:            uuid.NewString(),
		ModelID:       modelID,
		ModelKind:     modelKind,
		RoundNumber:   roundNumber,
		Status:        RoundCreated,
		CreatedAt:     time.Now(),
		Config:        cfg,
		GlobalBlobRef: ref,
		Participants:  make(map[string]*Participant),
	}

	scope, err := svc.store.OpenRound(round.ID)
	if err != nil {
		return "", err
	}
	defer scope.Close()

	if err := scope.WriteGlobalModel(initial); err != nil {
		return "", fmt.Errorf("%w: %s", pkgerrors.ErrTransient, err)
	}
	if err := svc.store.SnapshotRound(round.ID, round); err != nil {
		return "", fmt.Errorf("%w: %s", pkgerrors.ErrTransient, err)
	}

	svc.rounds[round.ID] = &roundState{round: round}
	svc.byModelRound[key] = round.ID

	svc.logger.InfoContext(ctx, "Round created",
		"round_id", round.ID, "model_id", modelID, "model_kind", modelKind, "round_number", roundNumber)
	svc.announcer.Announce(ctx, events.Event{
		Type: events.RoundCreated, RoundID: round.ID, ModelKind: modelKind, At: time.Now(),
	})

	return round.ID, nil
}

// initialGlobalBlob resolves the round's starting model: the predecessor's
// aggregated output, or a zero-initialized model for round 1. Callers hold
// svc.mu.
func (svc *service) initialGlobalBlob(modelID, modelKind string, roundNumber int) ([]byte, error) {
	if roundNumber == 1 {
		snap, err := svc.models.NewEmpty(modelKind)
		if err != nil {
			return nil, err
		}

		return snap.Encode()
	}

	prevID, ok := svc.byModelRound[modelRoundKey(modelID, roundNumber-1)]
	if !ok {
		return nil, fmt.Errorf("%w: model %s has no round %d", pkgerrors.ErrNoPredecessor, modelID, roundNumber-1)
	}

	prev := svc.rounds[prevID]
	prev.mu.Lock()
	status, aggRef := prev.round.Status, prev.round.AggregatedBlobRef
	prev.mu.Unlock()

	if status != RoundCompleted || aggRef == "" {
		return nil, fmt.Errorf("%w: round %d for model %s is not completed", pkgerrors.ErrNoPredecessor, roundNumber-1, modelID)
	}

	return svc.store.GetBlob(aggRef)
}

func (svc *service) SelectClients(ctx context.Context, roundID string) error {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.round.Status != RoundCreated {
		return fmt.Errorf("%w: round %s is %s, selection requires created", pkgerrors.ErrPreconditionFailed, roundID, rs.round.Status)
	}
	if err := svc.selectLocked(ctx, rs); err != nil {
		return err
	}

	return svc.persistLocked(rs)
}

// selectLocked runs selection and replaces the invite set. Callers hold the
// round's lock.
func (svc *service) selectLocked(ctx context.Context, rs *roundState) error {
	candidates := svc.clients.List(registry.Filter{
		ModelKind: rs.round.ModelKind,
		Status:    registry.Active,
	})

	selected, err := SelectParticipants(candidates, rs.round.Config)
	if err != nil {
		return err
	}

	now := time.Now()
	rs.round.Participants = make(map[string]*Participant, len(selected))
	for _, client := range selected {
		rs.round.Participants[client.ID] = &Participant{
			ClientID:  client.ID,
			Status:    ParticipantInvited,
			InvitedAt: now,
		}
		svc.announcer.Announce(ctx, events.Event{
			Type:      events.ClientInvited,
			RoundID:   rs.round.ID,
			ModelKind: rs.round.ModelKind,
			ClientID:  client.ID,
			At:        now,
		})
	}

	svc.logger.InfoContext(ctx, "Clients invited",
		"round_id", rs.round.ID, "strategy", rs.round.Config.SelectionStrategy, "invited", len(selected))

	return nil
}

func (svc *service) StartRound(ctx context.Context, roundID string) error {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.round.Status != RoundCreated {
		return fmt.Errorf("%w: round %s is %s", pkgerrors.ErrPreconditionFailed, roundID, rs.round.Status)
	}
	if len(rs.round.Participants) == 0 {
		if err := svc.selectLocked(ctx, rs); err != nil {
			return err
		}
	}
	if invited := rs.round.CountByStatus(ParticipantInvited); invited < rs.round.Config.MinClients {
		return fmt.Errorf("%w: %d invited, need %d", pkgerrors.ErrPreconditionFailed, invited, rs.round.Config.MinClients)
	}

	if err := svc.sm.TransitionRound(&rs.round, RoundInProgress); err != nil {
		return err
	}
	if err := svc.persistLocked(rs); err != nil {
		return err
	}

	timeout := time.Duration(rs.round.Config.TimeoutSeconds) * time.Second
	rs.timer = time.AfterFunc(timeout, func() { svc.handleTimeout(roundID) })

	svc.logger.InfoContext(ctx, "Round started",
		"round_id", roundID, "timeout_s", rs.round.Config.TimeoutSeconds)
	svc.announcer.Announce(ctx, events.Event{
		Type: events.RoundStarted, RoundID: roundID, ModelKind: rs.round.ModelKind,
		Status: string(RoundInProgress), At: time.Now(),
	})

	return nil
}

func (svc *service) Join(ctx context.Context, roundID, clientID string) (JoinResult, error) {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return JoinResult{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.round.Status != RoundInProgress {
		return JoinResult{}, fmt.Errorf("%w: round %s is %s", pkgerrors.ErrNotEligible, roundID, rs.round.Status)
	}

	p, ok := rs.round.Participants[clientID]
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: client %s was not invited to round %s", pkgerrors.ErrNotEligible, clientID, roundID)
	}

	result := JoinResult{
		GlobalBlobRef:   rs.round.GlobalBlobRef,
		Hyperparameters: rs.round.Config.Hyperparameters,
	}

	switch p.Status {
	case ParticipantJoined:
		// Idempotent re-join.
		return result, nil
	case ParticipantInvited:
	default:
		return JoinResult{}, fmt.Errorf("%w: participant %s is %s", pkgerrors.ErrConflict, clientID, p.Status)
	}

	if err := svc.sm.TransitionParticipant(p, ParticipantJoined); err != nil {
		return JoinResult{}, err
	}
	if err := svc.persistLocked(rs); err != nil {
		return JoinResult{}, err
	}

	if err := svc.clients.Touch(clientID); err != nil {
		svc.logger.WarnContext(ctx, "Failed to touch client", "client_id", clientID, "error", err)
	}

	return result, nil
}

func (svc *service) Decline(ctx context.Context, roundID, clientID string) error {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if svc.sm.IsTerminalRound(rs.round.Status) || rs.round.Status == RoundAggregating {
		return fmt.Errorf("%w: round %s is %s", pkgerrors.ErrPreconditionFailed, roundID, rs.round.Status)
	}

	p, ok := rs.round.Participants[clientID]
	if !ok {
		return fmt.Errorf("%w: client %s was not invited to round %s", pkgerrors.ErrNotEligible, clientID, roundID)
	}
	if p.Status != ParticipantInvited {
		return fmt.Errorf("%w: participant %s is %s", pkgerrors.ErrConflict, clientID, p.Status)
	}

	if err := svc.sm.TransitionParticipant(p, ParticipantDeclined); err != nil {
		return err
	}
	if err := svc.persistLocked(rs); err != nil {
		return err
	}

	svc.logger.InfoContext(ctx, "Invitation declined", "round_id", roundID, "client_id", clientID)

	if rs.round.Status == RoundInProgress && svc.allTerminalLocked(rs) {
		svc.enqueueFinalize(roundID)
	}

	return nil
}

func (svc *service) UploadModel(ctx context.Context, roundID, clientID string, blob, signature []byte, trainingMetrics map[string]float64) error {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.round.Status != RoundInProgress {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()

		return fmt.Errorf("%w: round %s is %s", pkgerrors.ErrNotEligible, roundID, rs.round.Status)
	}

	p, ok := rs.round.Participants[clientID]
	if !ok || p.Status != ParticipantJoined {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()

		return fmt.Errorf("%w: client %s has no open participation slot in round %s", pkgerrors.ErrNotEligible, clientID, roundID)
	}

	if svc.securityEnabled && !svc.keys.Verify(blob, signature) {
		metrics.UploadsTotal.WithLabelValues("signature_invalid").Inc()

		return fmt.Errorf("%w: upload from client %s", pkgerrors.ErrSignatureInvalid, clientID)
	}

	snap, err := model.Decode(blob)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()

		return err
	}
	if snap.Kind != rs.round.ModelKind {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()

		return fmt.Errorf("%w: upload is kind %q, round is %q", pkgerrors.ErrSchemaMismatch, snap.Kind, rs.round.ModelKind)
	}

	// Client uploads are encrypted at rest.
	stored := blob
	if svc.securityEnabled {
		stored, err = svc.keys.Encrypt(blob)
		if err != nil {
			return err
		}
	}

	ref, err := svc.store.PutBlob(storage.ClientUpload, stored)
	if err != nil {
		return fmt.Errorf("%w: %s", pkgerrors.ErrTransient, err)
	}
	if err := svc.writeClientModel(roundID, clientID, stored); err != nil {
		return fmt.Errorf("%w: %s", pkgerrors.ErrTransient, err)
	}

	if err := svc.sm.TransitionParticipant(p, ParticipantCompleted); err != nil {
		return err
	}
	p.UploadedBlobRef = ref
	p.UploadSignature = signature
	p.TrainingMetrics = trainingMetrics

	// The participant transition is the at-most-once latch, so the counter
	// moves exactly once per round per client.
	if err := svc.clients.IncrementParticipation(clientID); err != nil {
		svc.logger.WarnContext(ctx, "Failed to bump participation", "client_id", clientID, "error", err)
	}

	if err := svc.persistLocked(rs); err != nil {
		return err
	}

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	svc.logger.InfoContext(ctx, "Model uploaded",
		"round_id", roundID, "client_id", clientID, "blob_ref", ref,
		"completed", rs.round.CountByStatus(ParticipantCompleted), "invited", len(rs.round.Participants))

	if svc.allTerminalLocked(rs) {
		svc.enqueueFinalize(roundID)
	}

	return nil
}

func (svc *service) writeClientModel(roundID, clientID string, data []byte) error {
	scope, err := svc.store.OpenRound(roundID)
	if err != nil {
		return err
	}
	defer scope.Close()

	return scope.WriteClientModel(clientID, data)
}

func (svc *service) GetRoundStatus(ctx context.Context, roundID string) (Round, error) {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return Round{}, err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.round.Clone(), nil
}

func (svc *service) ListAvailableRounds(ctx context.Context, clientID, modelKind string) ([]RoundInvite, error) {
	svc.mu.RLock()
	states := make([]*roundState, 0, len(svc.rounds))
	for _, rs := range svc.rounds {
		states = append(states, rs)
	}
	svc.mu.RUnlock()

	var invites []RoundInvite
	for _, rs := range states {
		rs.mu.Lock()
		active := rs.round.Status == RoundCreated || rs.round.Status == RoundInProgress
		if active {
			if p, ok := rs.round.Participants[clientID]; ok && p.Status == ParticipantInvited {
				if modelKind == "" || rs.round.ModelKind == modelKind {
					invites = append(invites, RoundInvite{
						RoundID:     rs.round.ID,
						ModelKind:   rs.round.ModelKind,
						RoundNumber: rs.round.RoundNumber,
						InvitedAt:   p.InvitedAt,
					})
				}
			}
		}
		rs.mu.Unlock()
	}

	sort.Slice(invites, func(i, j int) bool {
		if !invites[i].InvitedAt.Equal(invites[j].InvitedAt) {
			return invites[i].InvitedAt.Before(invites[j].InvitedAt)
		}

		return invites[i].RoundID < invites[j].RoundID
	})

	return invites, nil
}

func (svc *service) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	return svc.store.GetBlob(ref)
}

func (svc *service) GetGlobalModel(ctx context.Context, modelKind string, version int) ([]byte, int, error) {
	return svc.store.GlobalModel(modelKind, version)
}

func (svc *service) ListModelVersions(ctx context.Context, modelKind string) ([]int, error) {
	return svc.store.GlobalVersions(modelKind)
}

func (svc *service) PurgeRound(ctx context.Context, roundID string) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	rs, ok := svc.rounds[roundID]
	if !ok {
		return fmt.Errorf("%w: round %s", pkgerrors.ErrNotFound, roundID)
	}

	rs.mu.Lock()
	terminal := svc.sm.IsTerminalRound(rs.round.Status)
	key := modelRoundKey(rs.round.ModelID, rs.round.RoundNumber)
	rs.mu.Unlock()

	if !terminal {
		return fmt.Errorf("%w: round %s is not terminal", pkgerrors.ErrPreconditionFailed, roundID)
	}
	if err := svc.store.PurgeRound(roundID); err != nil {
		return err
	}

	delete(svc.rounds, roundID)
	delete(svc.byModelRound, key)

	svc.logger.InfoContext(ctx, "Round purged", "round_id", roundID)

	return nil
}

// handleTimeout fires at startedAt + timeout. Non-terminal participants are
// expired and finalization is enqueued.
func (svc *service) handleTimeout(roundID string) {
	if svc.expireParticipants(roundID) {
		svc.enqueueFinalize(roundID)
	}
}

// forceTimeout is the synchronous variant used by tests.
func (svc *service) forceTimeout(roundID string) {
	if svc.expireParticipants(roundID) {
		svc.finalizeRound(roundID)
	}
}

func (svc *service) expireParticipants(roundID string) bool {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return false
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.round.Status != RoundInProgress {
		return false
	}

	expired := 0
	for _, p := range rs.round.Participants {
		if svc.sm.IsTerminalParticipant(p.Status) {
			continue
		}
		if err := svc.sm.TransitionParticipant(p, ParticipantTimedOut); err == nil {
			expired++
		}
	}

	if expired > 0 {
		svc.logger.Warn("Round timed out", "round_id", roundID, "expired", expired)
		if err := svc.persistLocked(rs); err != nil {
			svc.logger.Warn("Failed to persist round after timeout", "round_id", roundID, "error", err)
		}
	}

	return true
}

func (svc *service) enqueueFinalize(roundID string) {
	if err := svc.pool.Submit(func() { svc.finalizeRound(roundID) }); err != nil {
		svc.mu.RLock()
		stopping := svc.shuttingDown
		svc.mu.RUnlock()
		if stopping {
			// Shutdown aborts active rounds itself.
			return
		}

		// Finalization must still happen when the queue is saturated.
		svc.logger.Warn("Worker queue full, finalizing inline", "round_id", roundID)
		go svc.finalizeRound(roundID)
	}
}

// finalizeRound runs at most once per round: the inProgress to aggregating
// transition is the latch, taken under the round's exclusive lock.
func (svc *service) finalizeRound(roundID string) {
	rs, err := svc.getRound(roundID)
	if err != nil {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.round.Status != RoundInProgress {
		return
	}
	if err := svc.sm.TransitionRound(&rs.round, RoundAggregating); err != nil {
		return
	}
	if err := svc.persistLocked(rs); err != nil {
		svc.failRoundLocked(rs, fmt.Sprintf("failed to persist round: %s", err))

		return
	}

	completed := svc.completedParticipantsLocked(rs)
	if len(completed) < rs.round.Config.MinClients {
		svc.failRoundLocked(rs, fmt.Sprintf("%d of %d required clients completed", len(completed), rs.round.Config.MinClients))

		return
	}

	snaps, weights, err := svc.collectUploadsLocked(rs, completed)
	if err != nil {
		svc.failRoundLocked(rs, err.Error())

		return
	}

	start := time.Now()
	combined, err := aggregate.Combine(snaps, weights, rs.round.Config.AggregationStrategy, aggregate.Options{
		TrimFraction: rs.round.Config.TrimFraction,
		NoiseScale:   rs.round.Config.NoiseScale,
		Rand:         rand.Float64,
	})
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Uploaded blobs are retained for diagnostics.
		svc.failRoundLocked(rs, err.Error())

		return
	}

	data, err := combined.Encode()
	if err != nil {
		svc.failRoundLocked(rs, err.Error())

		return
	}

	ref, err := svc.store.PutBlob(storage.GlobalAggregated, data)
	if err != nil {
		svc.failRoundLocked(rs, err.Error())

		return
	}

	results := svc.evaluate(combined)
	results["num_clients"] = float64(len(completed))

	version, err := svc.publishAggregateLocked(rs, data, results)
	if err != nil {
		svc.failRoundLocked(rs, err.Error())

		return
	}

	rs.round.AggregatedBlobRef = ref
	rs.round.Results = results
	if err := svc.sm.TransitionRound(&rs.round, RoundCompleted); err != nil {
		return
	}
	if err := svc.persistLocked(rs); err != nil {
		svc.logger.Error("Failed to persist completed round", "round_id", roundID, "error", err)
	}

	svc.observeTerminalLocked(rs)
	svc.logger.Info("Round completed",
		"round_id", roundID, "model_kind", rs.round.ModelKind,
		"clients", len(completed), "global_version", version)
}

// completedParticipantsLocked returns completed participants ordered by
// client id, so aggregation input order is deterministic.
func (svc *service) completedParticipantsLocked(rs *roundState) []*Participant {
	var out []*Participant
	for _, p := range rs.round.Participants {
		if p.Status == ParticipantCompleted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })

	return out
}

func (svc *service) collectUploadsLocked(rs *roundState, completed []*Participant) ([]model.Snapshot, []float64, error) {
	snaps := make([]model.Snapshot, 0, len(completed))
	weights := make([]float64, 0, len(completed))

	for _, p := range completed {
		data, err := svc.store.GetBlob(p.UploadedBlobRef)
		if err != nil {
			return nil, nil, err
		}
		if svc.securityEnabled {
			data, err = svc.keys.Decrypt(data)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to decrypt upload from %s: %w", p.ClientID, err)
			}
		}

		snap, err := model.Decode(data)
		if err != nil {
			return nil, nil, err
		}
		snaps = append(snaps, snap)

		weight := 1.0
		if rs.round.Config.AggregationStrategy == aggregate.SizeWeightedMean {
			if size, ok := p.TrainingMetrics[dataSizeMetric]; ok && size > 0 {
				weight = size
			}
		}
		weights = append(weights, weight)
	}

	return snaps, weights, nil
}

// evaluate runs the model family's evaluation hook against the configured
// test set. Without a hook or a test set the round still completes with
// empty results.
func (svc *service) evaluate(snap model.Snapshot) map[string]float64 {
	results := make(map[string]float64)

	family, err := svc.models.Lookup(snap.Kind)
	if err != nil || family.Evaluate == nil || svc.testSetPath == "" {
		return results
	}

	evaluated, err := family.Evaluate(snap, svc.testSetPath)
	if err != nil {
		svc.logger.Warn("Evaluation failed", "model_kind", snap.Kind, "error", err)

		return results
	}
	for k, v := range evaluated {
		results[k] = v
	}

	return results
}

func (svc *service) publishAggregateLocked(rs *roundState, data []byte, results map[string]float64) (int, error) {
	scope, err := svc.store.OpenRound(rs.round.ID)
	if err != nil {
		return 0, err
	}
	defer scope.Close()

	if err := scope.WriteAggregatedModel(data); err != nil {
		return 0, err
	}
	if err := scope.WriteMetrics(results); err != nil {
		return 0, err
	}

	return svc.store.PromoteGlobal(rs.round.ModelKind, data)
}

func (svc *service) failRoundLocked(rs *roundState, reason string) {
	rs.round.Error = reason
	if err := svc.sm.TransitionRound(&rs.round, RoundFailed); err != nil {
		return
	}
	if err := svc.persistLocked(rs); err != nil {
		svc.logger.Error("Failed to persist failed round", "round_id", rs.round.ID, "error", err)
	}

	svc.observeTerminalLocked(rs)
	svc.logger.Error("Round failed", "round_id", rs.round.ID, "reason", reason)
}

// observeTerminalLocked emits metrics, the sink record, and the lifecycle
// announcement for a round that just reached a terminal state.
func (svc *service) observeTerminalLocked(rs *roundState) {
	if rs.timer != nil {
		rs.timer.Stop()
	}

	metrics.RoundsTotal.WithLabelValues(string(rs.round.Status)).Inc()
	if rs.round.StartedAt != nil && rs.round.EndedAt != nil {
		metrics.RoundDuration.Observe(rs.round.EndedAt.Sub(*rs.round.StartedAt).Seconds())
	}

	values := make(map[string]float64, len(rs.round.Results)+1)
	for k, v := range rs.round.Results {
		values[k] = v
	}
	values["completed_participants"] = float64(rs.round.CountByStatus(ParticipantCompleted))

	svc.sink.Emit(sink.Record{
		RoundID:   rs.round.ID,
		ModelKind: rs.round.ModelKind,
		Status:    string(rs.round.Status),
		Values:    values,
		At:        time.Now(),
	})

	eventType := events.RoundCompleted
	if rs.round.Status == RoundFailed {
		eventType = events.RoundFailed
	}
	svc.announcer.Announce(context.Background(), events.Event{
		Type:      eventType,
		RoundID:   rs.round.ID,
		ModelKind: rs.round.ModelKind,
		Status:    string(rs.round.Status),
		At:        time.Now(),
	})
}

// Shutdown drains in-flight finalizations, then aborts any still-active
// rounds to failed without corrupting persisted records.
func (svc *service) Shutdown(ctx context.Context) error {
	svc.mu.Lock()
	svc.shuttingDown = true
	states := make([]*roundState, 0, len(svc.rounds))
	for _, rs := range svc.rounds {
		states = append(states, rs)
	}
	svc.mu.Unlock()

	// Stop timers before draining the pool so no timeout firing in the
	// shutdown window can submit new finalization work.
	for _, rs := range states {
		rs.mu.Lock()
		if rs.timer != nil {
			rs.timer.Stop()
		}
		rs.mu.Unlock()
	}

	poolErr := svc.pool.Shutdown(ctx)

	for _, rs := range states {
		rs.mu.Lock()
		switch rs.round.Status {
		case RoundCreated, RoundInProgress, RoundAggregating:
			svc.failRoundLocked(rs, "coordinator shutdown")
		}
		rs.mu.Unlock()
	}

	if err := svc.sink.Close(ctx); err != nil {
		svc.logger.Warn("Metric sink did not drain before shutdown", "error", err)
	}

	return poolErr
}

func (svc *service) getRound(roundID string) (*roundState, error) {
	svc.mu.RLock()
	rs, ok := svc.rounds[roundID]
	svc.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: round %s", pkgerrors.ErrNotFound, roundID)
	}

	return rs, nil
}

// persistLocked snapshots the round record. Callers hold the round's lock.
func (svc *service) persistLocked(rs *roundState) error {
	if err := svc.store.SnapshotRound(rs.round.ID, rs.round); err != nil {
		return fmt.Errorf("%w: %s", pkgerrors.ErrTransient, err)
	}

	return nil
}

func (svc *service) allTerminalLocked(rs *roundState) bool {
	for _, p := range rs.round.Participants {
		if !svc.sm.IsTerminalParticipant(p.Status) {
			return false
		}
	}

	return len(rs.round.Participants) > 0
}

func modelRoundKey(modelID string, roundNumber int) string {
	return fmt.Sprintf("%s:%d", modelID, roundNumber)
}
