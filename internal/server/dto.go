package server

import (
	"coordline/internal/domain"
	"coordline/internal/engine"
)

// Request payloads

type CreateRequestBody struct {
	ClientID    string `json:"client_id,omitempty" doc:"Required unless the caller is the client"`
	ServiceType string `json:"service_type" minLength:"1"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"normal,urgent,emergency"`
}

type AssignBody struct {
	ProviderID string `json:"provider_id" minLength:"1"`
}

type RespondBody struct {
	Response      string `json:"response" enum:"accepted,declined,no_response"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

type CompleteBody struct {
	Notes        string `json:"notes,omitempty"`
	QualityScore int    `json:"quality_score"`
}

type VerifyBody struct {
	SatisfactionScore int `json:"satisfaction_score"`
}

type ReasonBody struct {
	Reason string `json:"reason"`
}

type NoteBody struct {
	Text string `json:"text"`
}

type PriorityBody struct {
	Priority string `json:"priority" enum:"normal,urgent,emergency"`
}

type ProviderBody struct {
	Name         string   `json:"name" minLength:"1"`
	ServiceTypes []string `json:"service_types"`
	Verified     bool     `json:"verified"`
	Active       bool     `json:"active"`
}

type CreateAPIKeyBody struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Role    string `json:"role" enum:"admin,coordinator,provider,client,system"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is the plaintext key; it is only ever returned by the create call.
	Key string `json:"key"`
}

type LeaderboardResponse struct {
	WindowDays int                       `json:"window_days"`
	Items      []engine.LeaderboardEntry `json:"items"`
}

type CandidatesResponse struct {
	RequestID string             `json:"request_id"`
	Items     []engine.Candidate `json:"items"`
}

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

func apiKeyResponse(key domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{
		ID:        key.ID,
		ActorID:   key.ActorID,
		Role:      key.Role,
		Name:      key.Name,
		CreatedAt: key.CreatedAt,
		Key:       plain,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
