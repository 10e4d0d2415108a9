package api

import (
	"fmt"

	"github.com/medhive/coordinator/manager"
	pkgerrors "github.com/medhive/coordinator/pkg/errors"
	"github.com/medhive/coordinator/pkg/registry"
)

type registerClientReq struct {
	ClientID  string                 `json:"client_id"`
	ModelKind string                 `json:"model_kind"`
	Device    registry.DeviceProfile `json:"device"`
}

func (r registerClientReq) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("register request: client_id is required but missing: %w", pkgerrors.ErrValidation)
	}
	if r.ModelKind == "" {
		return fmt.Errorf("register request: model_kind is required but missing: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type clientReq struct {
	ClientID  string
	ModelKind string
}

func (r clientReq) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("client request: client_id is required but missing: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type createRoundReq struct {
	ModelID     string              `json:"model_id"`
	ModelKind   string              `json:"model_kind"`
	RoundNumber int                 `json:"round_number"`
	Config      manager.RoundConfig `json:"config"`
}

func (r createRoundReq) Validate() error {
	if r.ModelID == "" {
		return fmt.Errorf("create round request: model_id is required but missing: %w", pkgerrors.ErrValidation)
	}
	if r.ModelKind == "" {
		return fmt.Errorf("create round request: model_kind is required but missing: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type roundReq struct {
	RoundID string
}

func (r roundReq) Validate() error {
	if r.RoundID == "" {
		return fmt.Errorf("round request: round_id is required but missing: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type participantReq struct {
	RoundID  string
	ClientID string `json:"client_id"`
}

func (r participantReq) Validate() error {
	if r.RoundID == "" {
		return fmt.Errorf("participant request: round_id is required but missing: %w", pkgerrors.ErrValidation)
	}
	if r.ClientID == "" {
		return fmt.Errorf("participant request: client_id is required but missing: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type uploadReq struct {
	RoundID         string
	ClientID        string
	Blob            []byte
	Signature       []byte
	TrainingMetrics map[string]float64
}

func (r uploadReq) Validate() error {
	if r.RoundID == "" {
		return fmt.Errorf("upload request: round_id is required but missing: %w", pkgerrors.ErrValidation)
	}
	if r.ClientID == "" {
		return fmt.Errorf("upload request: client_id is required but missing: %w", pkgerrors.ErrValidation)
	}
	if len(r.Blob) == 0 {
		return fmt.Errorf("upload request: model payload is empty: %w", pkgerrors.ErrValidation)
	}

	return nil
}

type globalModelReq struct {
	ModelKind string
	Version   int
}

func (r globalModelReq) Validate() error {
	if r.ModelKind == "" {
		return fmt.Errorf("model request: model_kind is required but missing: %w", pkgerrors.ErrValidation)
	}
	if r.Version < 0 {
		return fmt.Errorf("model request: version must not be negative: %w", pkgerrors.ErrValidation)
	}

	return nil
}
