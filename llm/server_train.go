// Package llm - Trainings-Anfragen an das Backend
//
// - Load: Basismodell laden und LoRA anlegen
// - ForwardBackward: Loss und Gradienten eines Micro-Batches
// - OptimizerStep: Gewichte aktualisieren
// - Save: Adapter speichern
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mini-helper/lorakit/api"
)

// Load sendet den Load-Request an das Backend
func (s *llmServer) Load(ctx context.Context, req LoadRequest) (*LoadResponse, error) {
	var resp LoadResponse
	if err := s.post(ctx, "/load", req, &resp); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return &resp, nil
}

// ForwardBackward berechnet Loss und akkumuliert Gradienten
func (s *llmServer) ForwardBackward(ctx context.Context, req ForwardBackwardRequest) (*ForwardBackwardResponse, error) {
	var resp ForwardBackwardResponse
	if err := s.post(ctx, "/forward_backward", req, &resp); err != nil {
		return nil, fmt.Errorf("forward_backward: %w", err)
	}
	return &resp, nil
}

// OptimizerStep fuehrt einen Optimizer-Schritt aus und setzt die Gradienten zurueck
func (s *llmServer) OptimizerStep(ctx context.Context, req OptimizerStepRequest) (*OptimizerStepResponse, error) {
	var resp OptimizerStepResponse
	if err := s.post(ctx, "/optimizer_step", req, &resp); err != nil {
		return nil, fmt.Errorf("optimizer_step: %w", err)
	}
	return &resp, nil
}

// Save speichert den Adapter nach req.Dir
func (s *llmServer) Save(ctx context.Context, req SaveRequest) error {
	if err := s.post(ctx, "/save", req, nil); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

func (s *llmServer) post(ctx context.Context, path string, reqData, respData any) error {
	data, err := json.Marshal(reqData)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(r)
	if err != nil {
		if s.HasExited() {
			return fmt.Errorf("trainer backend process no longer running: %s", s.status.LastErrMsg())
		}
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiError := api.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		if err := json.Unmarshal(body, &apiError); err != nil || apiError.ErrorMessage == "" {
			apiError.ErrorMessage = string(bytes.TrimSpace(body))
		}
		return apiError
	}

	if respData == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, respData); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
