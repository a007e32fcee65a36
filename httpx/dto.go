package httpx

import (
	"encoding/json"
	"time"

	"github.com/velmie/saga"
)

type StartSagaRequest struct {
	Definition string          `json:"definition"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type StartSagaResponse struct {
	SagaID string `json:"saga_id"`
}

type SagaStatusResponse struct {
	SagaID      string          `json:"saga_id"`
	Definition  string          `json:"definition"`
	Status      string          `json:"status"`
	CurrentStep int             `json:"current_step"`
	LastError   string          `json:"last_error,omitempty"`
	History     []StepRecordDTO `json:"history"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type StepRecordDTO struct {
	StepIndex int        `json:"step_index"`
	Direction string     `json:"direction"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapStatusToResponse(status *saga.SagaStatus) SagaStatusResponse {
	history := make([]StepRecordDTO, len(status.History))
	for i, rec := range status.History {
		dto := StepRecordDTO{
			StepIndex: rec.StepIndex,
			Direction: string(rec.Direction),
			Status:    string(rec.Status),
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
			UpdatedAt: rec.UpdatedAt,
		}
		if !rec.Deadline.IsZero() {
			deadline := rec.Deadline
			dto.Deadline = &deadline
		}
		history[i] = dto
	}

	return SagaStatusResponse{
		SagaID:      status.SagaID,
		Definition:  status.Definition.String(),
		Status:      string(status.Status),
		CurrentStep: status.CurrentStep,
		LastError:   status.LastError,
		History:     history,
		CreatedAt:   status.CreatedAt,
		UpdatedAt:   status.UpdatedAt,
	}
}
