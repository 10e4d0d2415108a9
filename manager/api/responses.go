package api

import "github.com/medhive/coordinator/manager"

type createRoundRes struct {
	RoundID string `json:"round_id"`
}

type joinRes struct {
	GlobalModelURL  string         `json:"global_model_url"`
	GlobalBlobRef   string         `json:"global_blob_ref"`
	Hyperparameters map[string]any `json:"hyperparameters,omitempty"`
}

type invitesRes struct {
	Rounds []manager.RoundInvite `json:"rounds"`
}

type versionsRes struct {
	ModelKind string `json:"model_kind"`
	Versions  []int  `json:"versions"`
}

type globalModelRes struct {
	Version int
	Data    []byte
}

type okRes struct {
	Status string `json:"status"`
}

type errorRes struct {
	Error string `json:"error"`
}
