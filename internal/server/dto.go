package server

import (
	"followups/internal/domain"
)

// Response payloads

type CreateTaskResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"task_id"`
}

type CompleteTaskResponse struct {
	Success bool `json:"success"`
}

type TaskResponse struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	ApplicationID string `json:"application_id"`
	Type          string `json:"type" enum:"call,email,review"`
	DueAt         string `json:"due_at" format:"date-time"`
	Status        string `json:"status" enum:"open,completed"`
}

type TodayResponse struct {
	Items []TaskResponse `json:"items"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		TenantID:      t.TenantID,
		ApplicationID: t.ApplicationID,
		Type:          string(t.Type),
		DueAt:         t.DueAt,
		Status:        string(t.Status),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}
