package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an authenticated dashboard user.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	RoleID    uuid.UUID `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a server-side login session resolved from a token.
type Session struct {
	Token     string    `json:"-"`
	UserID    uuid.UUID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Permission describes what a role may do with one feature.
type Permission struct {
	RoleID     uuid.UUID `json:"role_id"`
	FeatureKey string    `json:"feature_key"`
	CanView    bool      `json:"can_view"`
	CanCreate  bool      `json:"can_create"`
	CanEdit    bool      `json:"can_edit"`
	CanDelete  bool      `json:"can_delete"`
}

// Permission actions accepted by the permission gate.
const (
	ActionView   = "can_view"
	ActionCreate = "can_create"
	ActionEdit   = "can_edit"
	ActionDelete = "can_delete"
)

// PipelineStage is a column on the marketing pipeline board.
type PipelineStage string

const (
	StageIdea       PipelineStage = "idea"
	StageDrafting   PipelineStage = "drafting"
	StageReview     PipelineStage = "review"
	StageScheduled  PipelineStage = "scheduled"
	StagePublished  PipelineStage = "published"
)

// ValidStage reports whether s is a known board stage.
func ValidStage(s PipelineStage) bool {
	switch s {
	case StageIdea, StageDrafting, StageReview, StageScheduled, StagePublished:
		return true
	}
	return false
}

// PipelineCard is one content item tracked on the marketing pipeline board.
type PipelineCard struct {
	ID         uuid.UUID     `json:"id"`
	Title      string        `json:"title"`
	Stage      PipelineStage `json:"stage"`
	AssigneeID *uuid.UUID    `json:"assignee_id,omitempty"`
	Campaign   string        `json:"campaign,omitempty"`
	FolderID   *string       `json:"folder_id,omitempty"`
	Position   int           `json:"position"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
