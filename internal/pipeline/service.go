package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/insight-api/internal/apperror"
	"github.com/meridianlabs/insight-api/pkg/events"
	"github.com/meridianlabs/insight-api/pkg/models"
)

// Queryer executes parameterized SQL against the CRM database.
type Queryer interface {
	ExecuteQuery(ctx context.Context, query string, params []interface{}) ([]map[string]interface{}, error)
}

// Service manages cards on the marketing pipeline board.
type Service struct {
	db     Queryer
	bus    *events.Bus
	logger *zap.Logger
}

// NewService creates a pipeline service.
func NewService(db Queryer, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{db: db, bus: bus, logger: logger}
}

// CardInput is the caller-supplied portion of a card.
type CardInput struct {
	Title      string               `json:"title"`
	Stage      models.PipelineStage `json:"stage"`
	AssigneeID *uuid.UUID           `json:"assignee_id"`
	Campaign   string               `json:"campaign"`
}

// MoveInput repositions a card on the board.
type MoveInput struct {
	Stage    models.PipelineStage `json:"stage"`
	Position int                  `json:"position"`
}

const cardColumns = `id, title, stage, assignee_id, campaign, folder_id, position, created_at, updated_at`

// ListCards returns the board, optionally filtered to one stage.
// Cards come back in board order: stage, then position.
func (s *Service) ListCards(ctx context.Context, stage models.PipelineStage) ([]models.PipelineCard, error) {
	query := `SELECT ` + cardColumns + ` FROM pipeline_cards`
	var params []interface{}
	if stage != "" {
		if !models.ValidStage(stage) {
			return nil, apperror.NewValidation("unknown pipeline stage %q", stage)
		}
		query += ` WHERE stage = $1`
		params = append(params, string(stage))
	}
	query += ` ORDER BY stage, position, created_at`

	rows, err := s.db.ExecuteQuery(ctx, query, params)
	if err != nil {
		return nil, err
	}

	cards := make([]models.PipelineCard, 0, len(rows))
	for _, row := range rows {
		card, err := cardFromRow(row)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// GetCard fetches one card by ID.
func (s *Service) GetCard(ctx context.Context, id uuid.UUID) (*models.PipelineCard, error) {
	query := `SELECT ` + cardColumns + ` FROM pipeline_cards WHERE id = $1`
	rows, err := s.db.ExecuteQuery(ctx, query, []interface{}{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("pipeline card not found")
	}
	card, err := cardFromRow(rows[0])
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// CreateCard adds a card to the board and announces it on the bus.
func (s *Service) CreateCard(ctx context.Context, input CardInput, actorID uuid.UUID) (*models.PipelineCard, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO pipeline_cards (id, title, stage, assignee_id, campaign, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
			COALESCE((SELECT MAX(position) + 1 FROM pipeline_cards WHERE stage = $3), 0),
			NOW(), NOW())
		RETURNING ` + cardColumns
	rows, err := s.db.ExecuteQuery(ctx, query, []interface{}{
		uuid.New(), strings.TrimSpace(input.Title), string(input.Stage), input.AssigneeID, input.Campaign,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperror.NewInternal("card insert returned no row", nil)
	}

	card, err := cardFromRow(rows[0])
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.NewEvent(events.EventCardCreated, actorID.String(), map[string]interface{}{
		"card_id": card.ID.String(),
		"stage":   string(card.Stage),
	}))
	s.logger.Info("pipeline card created",
		zap.String("card_id", card.ID.String()),
		zap.String("stage", string(card.Stage)),
	)
	return &card, nil
}

// UpdateCard replaces a card's editable fields.
func (s *Service) UpdateCard(ctx context.Context, id uuid.UUID, input CardInput) (*models.PipelineCard, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	query := `
		UPDATE pipeline_cards
		SET title = $2, stage = $3, assignee_id = $4, campaign = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + cardColumns
	rows, err := s.db.ExecuteQuery(ctx, query, []interface{}{
		id, strings.TrimSpace(input.Title), string(input.Stage), input.AssigneeID, input.Campaign,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("pipeline card not found")
	}

	card, err := cardFromRow(rows[0])
	if err != nil {
		return nil, err
	}
	return &card, nil
}

// MoveCard moves a card to a stage and position and announces the move.
func (s *Service) MoveCard(ctx context.Context, id uuid.UUID, input MoveInput, actorID uuid.UUID) (*models.PipelineCard, error) {
	if !models.ValidStage(input.Stage) {
		return nil, apperror.NewValidation("unknown pipeline stage %q", input.Stage)
	}
	if input.Position < 0 {
		return nil, apperror.NewValidation("position must not be negative")
	}

	query := `
		UPDATE pipeline_cards
		SET stage = $2, position = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + cardColumns
	rows, err := s.db.ExecuteQuery(ctx, query, []interface{}{id, string(input.Stage), input.Position})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperror.NewNotFound("pipeline card not found")
	}

	card, err := cardFromRow(rows[0])
	if err != nil {
		return nil, err
	}

	s.bus.Publish(ctx, events.NewEvent(events.EventCardMoved, actorID.String(), map[string]interface{}{
		"card_id":  card.ID.String(),
		"stage":    string(card.Stage),
		"position": card.Position,
	}))
	return &card, nil
}

// DeleteCard removes a card and announces the removal.
func (s *Service) DeleteCard(ctx context.Context, id uuid.UUID, actorID uuid.UUID) error {
	query := `DELETE FROM pipeline_cards WHERE id = $1 RETURNING id`
	rows, err := s.db.ExecuteQuery(ctx, query, []interface{}{id})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return apperror.NewNotFound("pipeline card not found")
	}

	s.bus.Publish(ctx, events.NewEvent(events.EventCardDeleted, actorID.String(), map[string]interface{}{
		"card_id": id.String(),
	}))
	return nil
}

// EnsureFolder assigns a storage folder to a card exactly once. Concurrent
// callers race on the conditional update; losers adopt the winner's folder.
// The returned folder ID is the one every caller should use.
func (s *Service) EnsureFolder(ctx context.Context, id uuid.UUID, folderID string) (string, error) {
	if strings.TrimSpace(folderID) == "" {
		return "", apperror.NewValidation("folder id is required")
	}

	claim := `
		UPDATE pipeline_cards
		SET folder_id = $2, updated_at = NOW()
		WHERE id = $1 AND folder_id IS NULL
		RETURNING folder_id
	`
	rows, err := s.db.ExecuteQuery(ctx, claim, []interface{}{id, folderID})
	if err != nil {
		return "", err
	}
	if len(rows) == 1 {
		return toString(rows[0]["folder_id"]), nil
	}

	// Lost the race (or the card already had a folder): read the winner's.
	rows, err = s.db.ExecuteQuery(ctx, `SELECT folder_id FROM pipeline_cards WHERE id = $1`, []interface{}{id})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", apperror.NewNotFound("pipeline card not found")
	}
	existing := toString(rows[0]["folder_id"])
	if existing == "" {
		return "", apperror.NewInternal("card has no folder after claim", nil)
	}
	return existing, nil
}

func validateInput(input CardInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return apperror.NewValidation("title is required")
	}
	if !models.ValidStage(input.Stage) {
		return apperror.NewValidation("unknown pipeline stage %q", input.Stage)
	}
	return nil
}

func cardFromRow(row map[string]interface{}) (models.PipelineCard, error) {
	id, err := toUUID(row["id"])
	if err != nil {
		return models.PipelineCard{}, apperror.NewInternal("invalid card id in row", err)
	}

	card := models.PipelineCard{
		ID:       id,
		Title:    toString(row["title"]),
		Stage:    models.PipelineStage(toString(row["stage"])),
		Campaign: toString(row["campaign"]),
		Position: toInt(row["position"]),
	}
	if v := row["assignee_id"]; v != nil {
		assignee, err := toUUID(v)
		if err != nil {
			return models.PipelineCard{}, apperror.NewInternal("invalid assignee id in row", err)
		}
		card.AssigneeID = &assignee
	}
	if v := row["folder_id"]; v != nil {
		folder := toString(v)
		card.FolderID = &folder
	}
	if t, ok := row["created_at"].(time.Time); ok {
		card.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		card.UpdatedAt = t
	}
	return card, nil
}

// toUUID handles the shapes the pgx row reader produces for uuid columns.
func toUUID(v interface{}) (uuid.UUID, error) {
	switch val := v.(type) {
	case uuid.UUID:
		return val, nil
	case [16]byte:
		return uuid.UUID(val), nil
	case string:
		return uuid.Parse(val)
	case []byte:
		return uuid.ParseBytes(val)
	}
	return uuid.Nil, apperror.NewInternal("unexpected uuid column type", nil)
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return ""
}

func toInt(v interface{}) int {
	switch val := v.(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}
