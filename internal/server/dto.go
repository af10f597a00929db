package server

import "huntboard/internal/domain"

type CreateEventRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	StartsAt string `json:"starts_at,omitempty" format:"date-time"`
	EndsAt   string `json:"ends_at,omitempty" format:"date-time"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"public,completed,archived"`
}

type ImportNodesRequest struct {
	Nodes []domain.Node `json:"nodes"`
}

type CreateTeamRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members,omitempty"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type SubmitRequest struct {
	NodeID        string `json:"node_id"`
	ProofURL      string `json:"proof_url"`
	SubmitterName string `json:"submitter_name,omitempty"`
	ChannelID     string `json:"channel_id,omitempty"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"approve,deny"`
	Reason   string `json:"reason,omitempty"`
}

type PurchaseRequest struct {
	NodeID     string `json:"node_id"`
	OfferIndex int    `json:"offer_index" minimum:"0"`
}

type SubmissionListResponse struct {
	Items      []domain.Submission `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type AvailabilityResponse struct {
	Available []string `json:"available"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}
