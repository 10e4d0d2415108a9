package manager

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medhive/coordinator/pkg/aggregate"
	"github.com/medhive/coordinator/pkg/crypto"
	pkgerrors "github.com/medhive/coordinator/pkg/errors"
	"github.com/medhive/coordinator/pkg/events"
	"github.com/medhive/coordinator/pkg/model"
	"github.com/medhive/coordinator/pkg/registry"
	"github.com/medhive/coordinator/pkg/sink"
	"github.com/medhive/coordinator/pkg/storage"
)

type captureSink struct {
	mu      sync.Mutex
	records []sink.Record
}

func (cs *captureSink) Emit(record sink.Record) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.records = append(cs.records, record)
}

func (cs *captureSink) Close(context.Context) error { return nil }

func (cs *captureSink) byStatus(status string) []sink.Record {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var out []sink.Record
	for _, r := range cs.records {
		if r.Status == status {
			out = append(out, r)
		}
	}

	return out
}

type testEnv struct {
	svc     *service
	keys    *crypto.KeySet
	clients *registry.Registry
	sink    *captureSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	keys, err := crypto.Generate(t.TempDir())
	require.NoError(t, err)

	clients := registry.New(time.Hour)

	models := model.NewRegistry()
	require.NoError(t, models.Register(model.Family{
		Kind: "m1",
		NewEmpty: func() model.Snapshot {
			return model.Snapshot{Params: map[string]model.Tensor{
				"coef": {DType: "f64", Shape: []int64{2}, Data: []float64{0, 0}},
			}}
		},
	}))

	cs := &captureSink{}
	pool := NewWorkerPool(2, 16)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(store, keys, clients, models, events.Noop{}, cs, pool, logger).(*service)

	return &testEnv{svc: svc, keys: keys, clients: clients, sink: cs}
}

func (env *testEnv) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := env.svc.RegisterClient(context.Background(), id, "m1", registry.DeviceProfile{})
		require.NoError(t, err)
	}
}

func (env *testEnv) signedBlob(t *testing.T, values ...float64) ([]byte, []byte) {
	t.Helper()

	snap := model.Snapshot{
		Kind: "m1",
		Params: map[string]model.Tensor{
			"coef": {DType: "f64", Shape: []int64{int64(len(values))}, Data: values},
		},
	}

	return env.sign(t, snap)
}

func (env *testEnv) sign(t *testing.T, snap model.Snapshot) ([]byte, []byte) {
	t.Helper()

	blob, err := snap.Encode()
	require.NoError(t, err)

	sig, err := env.keys.Sign(blob)
	require.NoError(t, err)

	return blob, sig
}

func (env *testEnv) waitForStatus(t *testing.T, roundID string, want RoundStatus) Round {
	t.Helper()

	var round Round
	require.Eventually(t, func() bool {
		var err error
		round, err = env.svc.GetRoundStatus(context.Background(), roundID)
		require.NoError(t, err)

		return round.Status == want
	}, 5*time.Second, 10*time.Millisecond, "round never reached %s", want)

	return round
}

func defaultConfig() RoundConfig {
	return RoundConfig{
		MinClients:          2,
		MaxClients:          2,
		TimeoutSeconds:      60,
		AggregationStrategy: aggregate.UniformMean,
		SelectionStrategy:   SelectRandom,
		SelectionSeed:       42,
	}
}

func (env *testEnv) decodeGlobal(t *testing.T) model.Snapshot {
	t.Helper()

	data, _, err := env.svc.GetGlobalModel(context.Background(), "m1", 0)
	require.NoError(t, err)

	snap, err := model.Decode(data)
	require.NoError(t, err)

	return snap
}

func TestHappyPathUniformMean(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)
	}

	blob1, sig1 := env.signedBlob(t, 1.0, 3.0)
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c1", blob1, sig1, nil))

	blob2, sig2 := env.signedBlob(t, 3.0, 5.0)
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c2", blob2, sig2, nil))

	round := env.waitForStatus(t, roundID, RoundCompleted)

	assert.NotEmpty(t, round.AggregatedBlobRef)
	for _, p := range round.Participants {
		assert.Equal(t, ParticipantCompleted, p.Status)
	}

	global := env.decodeGlobal(t)
	assert.Equal(t, []float64{2.0, 4.0}, global.Params["coef"].Data)

	for _, clientID := range []string{"c1", "c2"} {
		client, err := env.clients.Get(clientID)
		require.NoError(t, err)
		assert.Equal(t, 1, client.RoundsParticipated)
	}

	require.Len(t, env.sink.byStatus("completed"), 1)
}

func TestSizeWeightedAggregation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	cfg := defaultConfig()
	cfg.AggregationStrategy = aggregate.SizeWeightedMean

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)
	}

	blob1, sig1 := env.signedBlob(t, 0.0)
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c1", blob1, sig1, map[string]float64{"dataSize": 10}))

	blob2, sig2 := env.signedBlob(t, 4.0)
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c2", blob2, sig2, map[string]float64{"dataSize": 30}))

	env.waitForStatus(t, roundID, RoundCompleted)

	global := env.decodeGlobal(t)
	assert.InDelta(t, 3.0, global.Params["coef"].Data[0], 1e-12)
}

func TestTimeoutWithQuorumCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2", "c3")

	cfg := defaultConfig()
	cfg.MinClients = 2
	cfg.MaxClients = 3

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)

		blob, sig := env.signedBlob(t, 1.0, 1.0)
		require.NoError(t, env.svc.UploadModel(ctx, roundID, clientID, blob, sig, nil))
	}
	// c3 never joins.

	env.svc.forceTimeout(roundID)

	round := env.waitForStatus(t, roundID, RoundCompleted)
	assert.Equal(t, ParticipantTimedOut, round.Participants["c3"].Status)
	assert.Equal(t, ParticipantCompleted, round.Participants["c1"].Status)
	assert.Equal(t, ParticipantCompleted, round.Participants["c2"].Status)

	// Participant conservation: every invite ends in a terminal substate.
	assert.Equal(t, 3, round.CountByStatus(ParticipantCompleted)+round.CountByStatus(ParticipantTimedOut))
}

func TestTimeoutBelowQuorumFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2", "c3")

	cfg := defaultConfig()
	cfg.MinClients = 3
	cfg.MaxClients = 3

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	_, err = env.svc.Join(ctx, roundID, "c1")
	require.NoError(t, err)
	blob, sig := env.signedBlob(t, 1.0)
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c1", blob, sig, nil))

	env.svc.forceTimeout(roundID)

	round := env.waitForStatus(t, roundID, RoundFailed)
	assert.Empty(t, round.AggregatedBlobRef)
	assert.NotEmpty(t, round.Error)

	_, _, err = env.svc.GetGlobalModel(ctx, "m1", 0)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	require.Len(t, env.sink.byStatus("failed"), 1)
}

func TestSchemaMismatchFailsRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)
	}

	blob1, sig1 := env.sign(t, model.Snapshot{Kind: "m1", Params: map[string]model.Tensor{
		"A": {DType: "f64", Shape: []int64{1}, Data: []float64{1}},
		"B": {DType: "f64", Shape: []int64{1}, Data: []float64{1}},
	}})
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c1", blob1, sig1, nil))

	blob2, sig2 := env.sign(t, model.Snapshot{Kind: "m1", Params: map[string]model.Tensor{
		"A": {DType: "f64", Shape: []int64{1}, Data: []float64{1}},
		"C": {DType: "f64", Shape: []int64{1}, Data: []float64{1}},
	}})
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c2", blob2, sig2, nil))

	round := env.waitForStatus(t, roundID, RoundFailed)
	assert.Empty(t, round.AggregatedBlobRef)

	// Uploads are retained for diagnostics.
	for _, p := range round.Participants {
		require.NotEmpty(t, p.UploadedBlobRef)
		_, err := env.svc.GetBlob(ctx, p.UploadedBlobRef)
		assert.NoError(t, err)
	}
}

func TestCreateRoundValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cfg := defaultConfig()
	cfg.MinClients = 0
	_, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)

	cfg = defaultConfig()
	cfg.MaxClients = 1
	_, err = env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)

	_, err = env.svc.CreateRound(ctx, "model-a", "unknown", 1, defaultConfig())
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)

	_, err = env.svc.CreateRound(ctx, "", "m1", 1, defaultConfig())
	assert.ErrorIs(t, err, pkgerrors.ErrValidation)
}

func TestCreateRoundConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)

	_, err = env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	assert.ErrorIs(t, err, pkgerrors.ErrConflict)
}

func TestCreateRoundNoPredecessor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateRound(ctx, "model-a", "m1", 2, defaultConfig())
	assert.ErrorIs(t, err, pkgerrors.ErrNoPredecessor)

	// An uncompleted predecessor does not qualify either.
	_, err = env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	_, err = env.svc.CreateRound(ctx, "model-a", "m1", 2, defaultConfig())
	assert.ErrorIs(t, err, pkgerrors.ErrNoPredecessor)
}

func TestSecondRoundStartsFromAggregate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)
		blob, sig := env.signedBlob(t, 2.0, 2.0)
		require.NoError(t, env.svc.UploadModel(ctx, roundID, clientID, blob, sig, nil))
	}

	first := env.waitForStatus(t, roundID, RoundCompleted)

	secondID, err := env.svc.CreateRound(ctx, "model-a", "m1", 2, defaultConfig())
	require.NoError(t, err)

	second, err := env.svc.GetRoundStatus(ctx, secondID)
	require.NoError(t, err)

	// Content addressing: the new round's global model is the predecessor's
	// aggregated blob.
	assert.Equal(t, first.AggregatedBlobRef, second.GlobalBlobRef)
}

func TestJoinIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	first, err := env.svc.Join(ctx, roundID, "c1")
	require.NoError(t, err)

	again, err := env.svc.Join(ctx, roundID, "c1")
	require.NoError(t, err)
	assert.Equal(t, first.GlobalBlobRef, again.GlobalBlobRef)

	round, err := env.svc.GetRoundStatus(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, ParticipantJoined, round.Participants["c1"].Status)
}

func TestJoinRequiresInvitation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2", "intruder")

	cfg := defaultConfig()
	cfg.SelectionStrategy = SelectLeastParticipation

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	round, err := env.svc.GetRoundStatus(ctx, roundID)
	require.NoError(t, err)

	for clientID := range round.Participants {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)
	}

	var outsider string
	for _, id := range []string{"c1", "c2", "intruder"} {
		if _, ok := round.Participants[id]; !ok {
			outsider = id
		}
	}
	require.NotEmpty(t, outsider)

	_, err = env.svc.Join(ctx, roundID, outsider)
	assert.ErrorIs(t, err, pkgerrors.ErrNotEligible)
}

func TestJoinBeforeStartRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.SelectClients(ctx, roundID))

	_, err = env.svc.Join(ctx, roundID, "c1")
	assert.ErrorIs(t, err, pkgerrors.ErrNotEligible)
}

func TestInvalidSignatureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	_, err = env.svc.Join(ctx, roundID, "c1")
	require.NoError(t, err)

	blob, sig := env.signedBlob(t, 1.0, 1.0)
	badSig := append([]byte(nil), sig...)
	badSig[0] ^= 0x01

	err = env.svc.UploadModel(ctx, roundID, "c1", blob, badSig, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrSignatureInvalid)

	round, err := env.svc.GetRoundStatus(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, ParticipantJoined, round.Participants["c1"].Status)
	assert.Empty(t, round.Participants["c1"].UploadedBlobRef)

	client, err := env.clients.Get("c1")
	require.NoError(t, err)
	assert.Zero(t, client.RoundsParticipated)

	// A corrected upload still goes through.
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c1", blob, sig, nil))
}

func TestUploadAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	cfg := defaultConfig()
	cfg.MinClients = 1

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	_, err = env.svc.Join(ctx, roundID, "c1")
	require.NoError(t, err)

	blob, sig := env.signedBlob(t, 1.0, 1.0)
	require.NoError(t, env.svc.UploadModel(ctx, roundID, "c1", blob, sig, nil))

	// The verified signature is retained with the upload for audit.
	round, err := env.svc.GetRoundStatus(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, sig, round.Participants["c1"].UploadSignature)

	err = env.svc.UploadModel(ctx, roundID, "c1", blob, sig, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrNotEligible)

	client, err := env.clients.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, client.RoundsParticipated)
}

func TestUploadWrongKindRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	_, err = env.svc.Join(ctx, roundID, "c1")
	require.NoError(t, err)

	blob, sig := env.sign(t, model.Snapshot{Kind: "other", Params: map[string]model.Tensor{
		"coef": {DType: "f64", Shape: []int64{1}, Data: []float64{1}},
	}})

	err = env.svc.UploadModel(ctx, roundID, "c1", blob, sig, nil)
	assert.ErrorIs(t, err, pkgerrors.ErrSchemaMismatch)
}

func TestDeclineAndProceed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2", "c3")

	cfg := defaultConfig()
	cfg.MinClients = 2
	cfg.MaxClients = 3

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, cfg)
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	require.NoError(t, env.svc.Decline(ctx, roundID, "c3"))
	assert.ErrorIs(t, env.svc.Decline(ctx, roundID, "c3"), pkgerrors.ErrConflict)

	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)
		blob, sig := env.signedBlob(t, 1.0, 1.0)
		require.NoError(t, env.svc.UploadModel(ctx, roundID, clientID, blob, sig, nil))
	}

	round := env.waitForStatus(t, roundID, RoundCompleted)
	assert.Equal(t, ParticipantDeclined, round.Participants["c3"].Status)
}

func TestListAvailableRounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.SelectClients(ctx, roundID))

	invites, err := env.svc.ListAvailableRounds(ctx, "c1", "")
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, roundID, invites[0].RoundID)
	assert.Equal(t, "m1", invites[0].ModelKind)

	invites, err = env.svc.ListAvailableRounds(ctx, "c1", "other-kind")
	require.NoError(t, err)
	assert.Empty(t, invites)

	// Joining removes the pending invitation.
	require.NoError(t, env.svc.StartRound(ctx, roundID))
	_, err = env.svc.Join(ctx, roundID, "c1")
	require.NoError(t, err)

	invites, err = env.svc.ListAvailableRounds(ctx, "c1", "")
	require.NoError(t, err)
	assert.Empty(t, invites)
}

func TestStartRoundInsufficientCandidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.StartRound(ctx, roundID), pkgerrors.ErrInsufficientCandidates)
}

func TestPurgeRound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, env.svc.PurgeRound(ctx, roundID), pkgerrors.ErrPreconditionFailed)

	require.NoError(t, env.svc.StartRound(ctx, roundID))
	for _, clientID := range []string{"c1", "c2"} {
		_, err := env.svc.Join(ctx, roundID, clientID)
		require.NoError(t, err)
		blob, sig := env.signedBlob(t, 1.0, 1.0)
		require.NoError(t, env.svc.UploadModel(ctx, roundID, clientID, blob, sig, nil))
	}
	env.waitForStatus(t, roundID, RoundCompleted)

	require.NoError(t, env.svc.PurgeRound(ctx, roundID))

	_, err = env.svc.GetRoundStatus(ctx, roundID)
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}

func TestShutdownAbortsActiveRounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "c1", "c2")

	roundID, err := env.svc.CreateRound(ctx, "model-a", "m1", 1, defaultConfig())
	require.NoError(t, err)
	require.NoError(t, env.svc.StartRound(ctx, roundID))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.svc.Shutdown(shutdownCtx))

	round, err := env.svc.GetRoundStatus(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, RoundFailed, round.Status)

	_, err = env.svc.CreateRound(ctx, "model-b", "m1", 1, defaultConfig())
	assert.ErrorIs(t, err, pkgerrors.ErrTransient)
}
