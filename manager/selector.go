package manager

import (
	"fmt"
	"math/rand"
	"sort"

	pkgerrors "github.com/medhive/coordinator/pkg/errors"
	"github.com/medhive/coordinator/pkg/registry"
)

// SelectParticipants picks up to maxClients from the eligible candidates
// according to the configured strategy. Candidates are first ordered by id,
// so selection is deterministic given the same registry snapshot; ties
// within a strategy break by lexicographic id.
func SelectParticipants(candidates []registry.Client, cfg RoundConfig) ([]registry.Client, error) {
	if len(candidates) < cfg.MinClients {
		return nil, fmt.Errorf("%w: %d eligible clients, need %d",
			pkgerrors.ErrInsufficientCandidates, len(candidates), cfg.MinClients)
	}

	picked := append([]registry.Client(nil), candidates...)
	sort.Slice(picked, func(i, j int) bool { return picked[i].ID < picked[j].ID })

	switch cfg.SelectionStrategy {
	case SelectRandom:
		rng := rand.New(rand.NewSource(cfg.SelectionSeed))
		rng.Shuffle(len(picked), func(i, j int) {
			picked[i], picked[j] = picked[j], picked[i]
		})
	case SelectResourceWeighted:
		sort.SliceStable(picked, func(i, j int) bool {
			si, sj := resourceScore(picked[i].Device), resourceScore(picked[j].Device)
			if si != sj {
				return si > sj
			}

			return picked[i].ID < picked[j].ID
		})
	case SelectLeastParticipation:
		sort.SliceStable(picked, func(i, j int) bool {
			if picked[i].RoundsParticipated != picked[j].RoundsParticipated {
				return picked[i].RoundsParticipated < picked[j].RoundsParticipated
			}

			return picked[i].ID < picked[j].ID
		})
	default:
		return nil, fmt.Errorf("%w: unknown selection strategy %q", pkgerrors.ErrInvalidConfig, cfg.SelectionStrategy)
	}

	if len(picked) > cfg.MaxClients {
		picked = picked[:cfg.MaxClients]
	}

	return picked, nil
}

// resourceScore ranks a client's hardware: accelerators double the base
// score and each accelerator beyond the first adds half again.
func resourceScore(d registry.DeviceProfile) float64 {
	score := 1.0
	if d.HasAccelerator {
		score *= 2.0
	}

	extra := d.AcceleratorCount - 1
	if extra < 0 {
		extra = 0
	}

	return score * (1 + 0.5*float64(extra))
}
