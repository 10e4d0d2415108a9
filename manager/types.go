// Package manager implements the round lifecycle: client selection, the
// per-round and per-participant state machines, timeout handling, and
// aggregation finalization.
package manager

import (
	"fmt"
	"time"

	"github.com/medhive/coordinator/pkg/aggregate"
	pkgerrors "github.com/medhive/coordinator/pkg/errors"
)

type RoundStatus string

const (
	RoundCreated     RoundStatus = "created"
	RoundInProgress  RoundStatus = "inProgress"
	RoundAggregating RoundStatus = "aggregating"
	RoundCompleted   RoundStatus = "completed"
	RoundFailed      RoundStatus = "failed"
)

type ParticipantStatus string

const (
	ParticipantInvited   ParticipantStatus = "invited"
	ParticipantJoined    ParticipantStatus = "joined"
	ParticipantCompleted ParticipantStatus = "completed"
	ParticipantTimedOut  ParticipantStatus = "timedOut"
	ParticipantDeclined  ParticipantStatus = "declined"
)

type SelectionStrategy string

const (
	SelectRandom             SelectionStrategy = "random"
	SelectResourceWeighted   SelectionStrategy = "resourceWeighted"
	SelectLeastParticipation SelectionStrategy = "leastParticipation"
)

const (
	defaultTimeoutSeconds = 300
	// dataSizeMetric is the training metric carrying the client's local
	// sample count, used by sizeWeightedMean.
	dataSizeMetric = "dataSize"
)

// RoundConfig is the caller-supplied round configuration.
type RoundConfig struct {
	MinClients          int                `json:"min_clients"`
	MaxClients          int                `json:"max_clients"`
	TimeoutSeconds      int                `json:"timeout_seconds"`
	AggregationStrategy aggregate.Strategy `json:"aggregation_strategy"`
	SelectionStrategy   SelectionStrategy  `json:"selection_strategy"`
	TrimFraction        float64            `json:"trim_fraction,omitempty"`
	NoiseScale          float64            `json:"noise_scale,omitempty"`
	SelectionSeed       int64              `json:"selection_seed,omitempty"`
	Hyperparameters     map[string]any     `json:"hyperparameters,omitempty"`
}

// Validate checks bounds and fills defaults.
func (c *RoundConfig) Validate() error {
	if c.MinClients < 1 {
		return fmt.Errorf("%w: min_clients must be at least 1", pkgerrors.ErrInvalidConfig)
	}
	if c.MaxClients < c.MinClients {
		return fmt.Errorf("%w: max_clients must be at least min_clients", pkgerrors.ErrInvalidConfig)
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.AggregationStrategy == "" {
		c.AggregationStrategy = aggregate.UniformMean
	}
	if _, err := aggregate.ParseStrategy(string(c.AggregationStrategy)); err != nil {
		return err
	}
	if c.AggregationStrategy == aggregate.TrimmedMean && (c.TrimFraction < 0 || c.TrimFraction >= 0.5) {
		return fmt.Errorf("%w: trim_fraction must be in [0, 0.5)", pkgerrors.ErrInvalidConfig)
	}

	if c.SelectionStrategy == "" {
		c.SelectionStrategy = SelectRandom
	}
	switch c.SelectionStrategy {
	case SelectRandom, SelectResourceWeighted, SelectLeastParticipation:
	default:
		return fmt.Errorf("%w: unknown selection strategy %q", pkgerrors.ErrInvalidConfig, c.SelectionStrategy)
	}

	return nil
}

// Participant is one client's role within a round. It references its client
// by id only; the registry owns the client record.
type Participant struct {
	ClientID        string             `json:"client_id"`
	Status          ParticipantStatus  `json:"status"`
	InvitedAt       time.Time          `json:"invited_at"`
	JoinedAt        *time.Time         `json:"joined_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	UploadedBlobRef string             `json:"uploaded_blob_ref,omitempty"`
	UploadSignature []byte             `json:"upload_signature,omitempty"`
	TrainingMetrics map[string]float64 `json:"training_metrics,omitempty"`
}

// Round is the persisted round record. It is plain data: the service keeps
// the per-round lock and timer outside of it.
type Round struct {
	ID                string                  `json:"id"`
	ModelID           string                  `json:"model_id"`
	ModelKind         string                  `json:"model_kind"`
	RoundNumber       int                     `json:"round_number"`
	Status            RoundStatus             `json:"status"`
	CreatedAt         time.Time               `json:"created_at"`
	StartedAt         *time.Time              `json:"started_at,omitempty"`
	EndedAt           *time.Time              `json:"ended_at,omitempty"`
	Config            RoundConfig             `json:"config"`
	GlobalBlobRef     string                  `json:"global_blob_ref"`
	AggregatedBlobRef string                  `json:"aggregated_blob_ref,omitempty"`
	Participants      map[string]*Participant `json:"participants"`
	Results           map[string]float64      `json:"results,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

// Clone deep-copies the round record.
func (r Round) Clone() Round {
	out := r
	out.Participants = make(map[string]*Participant, len(r.Participants))
	for id, p := range r.Participants {
		cp := *p
		if p.UploadSignature != nil {
			cp.UploadSignature = append([]byte(nil), p.UploadSignature...)
		}
		if p.TrainingMetrics != nil {
			cp.TrainingMetrics = make(map[string]float64, len(p.TrainingMetrics))
			for k, v := range p.TrainingMetrics {
				cp.TrainingMetrics[k] = v
			}
		}
		out.Participants[id] = &cp
	}
	if r.Results != nil {
		out.Results = make(map[string]float64, len(r.Results))
		for k, v := range r.Results {
			out.Results[k] = v
		}
	}

	return out
}

// CountByStatus returns how many participants are in status.
func (r Round) CountByStatus(status ParticipantStatus) int {
	n := 0
	for _, p := range r.Participants {
		if p.Status == status {
			n++
		}
	}

	return n
}

// RoundInvite is one entry in a client's pending-round listing.
type RoundInvite struct {
	RoundID     string    `json:"round_id"`
	ModelKind   string    `json:"model_kind"`
	RoundNumber int       `json:"round_number"`
	InvitedAt   time.Time `json:"invited_at"`
}

// JoinResult is what a joining client receives: the global model reference
// and the round's hyperparameters.
type JoinResult struct {
	GlobalBlobRef   string         `json:"global_blob_ref"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
}
