package cli

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/medhive/coordinator/pkg/registry"
)

// SDK is a thin client for the coordinator HTTP API.
type SDK struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewSDK(baseURL, token string) *SDK {
	return &SDK{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SDK) request(method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequest(method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	return s.client.Do(req)
}

// call runs a JSON round trip and returns the raw response document.
func (s *SDK) call(method, path string, payload any) (json.RawMessage, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	res, err := s.request(method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	out, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(out, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}

		return nil, fmt.Errorf("%s %s: status %d", method, path, res.StatusCode)
	}

	return out, nil
}

type CreateRoundRequest struct {
	ModelID     string         `json:"model_id"`
	ModelKind   string         `json:"model_kind"`
	RoundNumber int            `json:"round_number"`
	Config      map[string]any `json:"config"`
}

func (s *SDK) CreateRound(req CreateRoundRequest) (json.RawMessage, error) {
	return s.call(http.MethodPost, "/rounds", req)
}

func (s *SDK) SelectClients(roundID string) (json.RawMessage, error) {
	return s.call(http.MethodPost, "/rounds/"+roundID+"/select", nil)
}

func (s *SDK) StartRound(roundID string) (json.RawMessage, error) {
	return s.call(http.MethodPost, "/rounds/"+roundID+"/start", nil)
}

func (s *SDK) RoundStatus(roundID string) (json.RawMessage, error) {
	return s.call(http.MethodGet, "/rounds/"+roundID, nil)
}

func (s *SDK) PurgeRound(roundID string) (json.RawMessage, error) {
	return s.call(http.MethodDelete, "/rounds/"+roundID, nil)
}

func (s *SDK) RegisterClient(clientID, modelKind string, device registry.DeviceProfile) (json.RawMessage, error) {
	return s.call(http.MethodPost, "/clients", map[string]any{
		"client_id":  clientID,
		"model_kind": modelKind,
		"device":     device,
	})
}

func (s *SDK) PingClient(clientID string) (json.RawMessage, error) {
	return s.call(http.MethodPost, "/clients/"+clientID+"/ping", nil)
}

func (s *SDK) ListRounds(clientID, modelKind string) (json.RawMessage, error) {
	path := "/clients/" + clientID + "/rounds"
	if modelKind != "" {
		path += "?model_kind=" + modelKind
	}

	return s.call(http.MethodGet, path, nil)
}

func (s *SDK) JoinRound(roundID, clientID string) (json.RawMessage, error) {
	return s.call(http.MethodPost, "/rounds/"+roundID+"/join", map[string]any{"client_id": clientID})
}

func (s *SDK) DeclineRound(roundID, clientID string) (json.RawMessage, error) {
	return s.call(http.MethodPost, "/rounds/"+roundID+"/decline", map[string]any{"client_id": clientID})
}

func (s *SDK) UploadModel(roundID, clientID string, blob, signature []byte, metrics map[string]float64) (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodPost, s.baseURL+"/rounds/"+roundID+"/upload", bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Client-ID", clientID)
	if len(signature) > 0 {
		req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(signature))
	}
	if len(metrics) > 0 {
		data, err := json.Marshal(metrics)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Training-Metrics", string(data))
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	out, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("upload: status %d: %s", res.StatusCode, out)
	}

	return out, nil
}

func (s *SDK) ModelVersions(modelKind string) (json.RawMessage, error) {
	return s.call(http.MethodGet, "/models/"+modelKind+"/versions", nil)
}

// DownloadGlobal fetches the global model for modelKind at version (0 means
// latest) and writes it to outPath. It returns the served version.
func (s *SDK) DownloadGlobal(modelKind string, version int, outPath string) (int, error) {
	path := "/models/" + modelKind + "/global"
	if version > 0 {
		path += "?version=" + strconv.Itoa(version)
	}

	res, err := s.request(http.MethodGet, path, nil, "")
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		out, _ := io.ReadAll(res.Body)

		return 0, fmt.Errorf("download: status %d: %s", res.StatusCode, out)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return 0, err
	}

	served, _ := strconv.Atoi(res.Header.Get("X-Model-Version"))

	return served, nil
}
