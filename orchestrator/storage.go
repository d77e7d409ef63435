// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// RunStatus tracks a collaboration run's lifecycle.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunDone      RunStatus = "done"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// validRunTransitions encodes the run state machine.
var validRunTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunCancelled},
	RunRunning: {RunDone, RunError, RunCancelled},
}

// Conversation is a persisted conversation thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CollabMessage is one persisted message in a conversation.
type CollabMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// CollabRun is one persisted pipeline run.
type CollabRun struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	TriggerMessageID string    `json:"trigger_message_id,omitempty"`
	Mode             string    `json:"mode"`
	Status           RunStatus `json:"status"`
	FinalOutput      string    `json:"final_output,omitempty"`
	TotalTimeMs      float64   `json:"total_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CollabStep is one persisted pipeline stage within a run.
type CollabStep struct {
	ID            string      `json:"id"`
	RunID         string      `json:"run_id"`
	Position      int         `json:"position"`
	Name          string      `json:"name"`
	Role          string      `json:"role"`
	Provider      string      `json:"provider,omitempty"`
	Model         string      `json:"model,omitempty"`
	Status        StageStatus `json:"status"`
	Content       string      `json:"content,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	ErrorType     string      `json:"error_type,omitempty"`
	ErrorProvider string      `json:"error_provider,omitempty"`
	LatencyMs     float64     `json:"latency_ms"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ConversationStats summarizes one conversation thread.
type ConversationStats struct {
	ConversationID string  `json:"conversation_id"`
	MessageCount   int     `json:"message_count"`
	RunCount       int     `json:"run_count"`
	ErrorRunCount  int     `json:"error_run_count"`
	AvgRunTimeMs   float64 `json:"avg_run_time_ms"`
}

// GlobalStats summarizes the whole store.
type GlobalStats struct {
	ConversationCount int     `json:"conversation_count"`
	MessageCount      int     `json:"message_count"`
	RunCount          int     `json:"run_count"`
	ErrorRunCount     int     `json:"error_run_count"`
	AvgRunTimeMs      float64 `json:"avg_run_time_ms"`
}

// Storage persists conversations, runs, steps, and messages to PostgreSQL.
type Storage struct {
	db *sql.DB
}

// NewStorage opens the database and ensures the schema exists.
func NewStorage(databaseURL string) (*Storage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	log.Printf("[Storage] Connected to PostgreSQL and verified schema")
	return s, nil
}

// NewStorageWithDB wraps an existing database handle (used by tests).
func NewStorageWithDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS collab_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_collab_messages_conversation
		ON collab_messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS collab_runs (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		trigger_message_id TEXT REFERENCES collab_messages(id) ON DELETE SET NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','running','done','error','cancelled')),
		final_output TEXT NOT NULL DEFAULT '',
		total_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_collab_runs_conversation
		ON collab_runs(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS collab_steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES collab_runs(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending','running','done','error')),
		content TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		error_type TEXT NOT NULL DEFAULT '',
		error_provider TEXT NOT NULL DEFAULT '',
		latency_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_collab_steps_run
		ON collab_steps(run_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation thread.
func (s *Storage) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation fetches a conversation by id.
func (s *Storage) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// DeleteConversation removes a conversation; messages, runs, and steps
// cascade.
func (s *Storage) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %q not found", id)
	}
	return nil
}

// AddMessage appends a message to a conversation.
func (s *Storage) AddMessage(ctx context.Context, conversationID, role, content string) (*CollabMessage, error) {
	msg := &CollabMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_messages (id, conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}
	return msg, nil
}

// GetMessages returns a conversation's messages in order.
func (s *Storage) GetMessages(ctx context.Context, conversationID string) ([]CollabMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM collab_messages WHERE conversation_id = $1 ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	var messages []CollabMessage
	for rows.Next() {
		var msg CollabMessage
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateRun inserts a pending collaboration run.
func (s *Storage) CreateRun(ctx context.Context, conversationID, triggerMessageID, mode string) (*CollabRun, error) {
	run := &CollabRun{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		TriggerMessageID: triggerMessageID,
		Mode:             mode,
		Status:           RunPending,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	trigger := sql.NullString{String: triggerMessageID, Valid: triggerMessageID != ""}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_runs (id, conversation_id, trigger_message_id, mode, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.ConversationID, trigger, run.Mode, run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// UpdateRunStatus advances a run through its state machine, rejecting
// invalid transitions.
func (s *Storage) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, finalOutput string, totalTimeMs float64) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !runTransitionAllowed(run.Status, status) {
		return fmt.Errorf("invalid run status transition %s -> %s", run.Status, status)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE collab_runs SET status = $2, final_output = $3, total_time_ms = $4, updated_at = $5 WHERE id = $1`,
		runID, status, finalOutput, totalTimeMs, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func runTransitionAllowed(from, to RunStatus) bool {
	for _, allowed := range validRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GetRun fetches a run by id.
func (s *Storage) GetRun(ctx context.Context, id string) (*CollabRun, error) {
	var run CollabRun
	var trigger sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, trigger_message_id, mode, status, final_output, total_time_ms, created_at, updated_at
		 FROM collab_runs WHERE id = $1`, id).
		Scan(&run.ID, &run.ConversationID, &trigger, &run.Mode, &run.Status,
			&run.FinalOutput, &run.TotalTimeMs, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.TriggerMessageID = trigger.String
	return &run, nil
}

// AddStep persists one pipeline stage record under a run.
func (s *Storage) AddStep(ctx context.Context, runID string, position int, record StageRecord) (*CollabStep, error) {
	step := &CollabStep{
		ID:        uuid.NewString(),
		RunID:     runID,
		Position:  position,
		Name:      record.Name,
		Role:      string(record.Role),
		Status:    record.Status,
		CreatedAt: time.Now(),
	}
	if record.Output != nil {
		step.Provider = record.Output.Provider
		step.Model = record.Output.Model
		step.Content = record.Output.Content
		step.LatencyMs = record.Output.LatencyMs
	}
	if record.Error != nil {
		step.ErrorMessage = record.Error.Message
		step.ErrorType = record.Error.Type
		step.ErrorProvider = record.Error.Provider
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collab_steps (id, run_id, position, name, role, provider, model, status, content,
		                           error_message, error_type, error_provider, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		step.ID, step.RunID, step.Position, step.Name, step.Role, step.Provider, step.Model, step.Status,
		step.Content, step.ErrorMessage, step.ErrorType, step.ErrorProvider, step.LatencyMs, step.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add step: %w", err)
	}
	return step, nil
}

// GetRunSteps returns a run's steps in pipeline order.
func (s *Storage) GetRunSteps(ctx context.Context, runID string) ([]CollabStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, position, name, role, provider, model, status, content,
		        error_message, error_type, error_provider, latency_ms, created_at
		 FROM collab_steps WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	var steps []CollabStep
	for rows.Next() {
		var step CollabStep
		if err := rows.Scan(&step.ID, &step.RunID, &step.Position, &step.Name, &step.Role, &step.Provider,
			&step.Model, &step.Status, &step.Content, &step.ErrorMessage, &step.ErrorType,
			&step.ErrorProvider, &step.LatencyMs, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetAgentOutputs returns every completed step for a conversation, newest
// run first, steps in pipeline order.
func (s *Storage) GetAgentOutputs(ctx context.Context, conversationID string) ([]CollabStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.run_id, st.position, st.name, st.role, st.provider, st.model, st.status, st.content,
		        st.error_message, st.error_type, st.error_provider, st.latency_ms, st.created_at
		 FROM collab_steps st
		 JOIN collab_runs r ON r.id = st.run_id
		 WHERE r.conversation_id = $1
		 ORDER BY r.created_at DESC, st.position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent outputs: %w", err)
	}
	defer rows.Close()

	var steps []CollabStep
	for rows.Next() {
		var step CollabStep
		if err := rows.Scan(&step.ID, &step.RunID, &step.Position, &step.Name, &step.Role, &step.Provider,
			&step.Model, &step.Status, &step.Content, &step.ErrorMessage, &step.ErrorType,
			&step.ErrorProvider, &step.LatencyMs, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetConversationStats aggregates counts and timings for one thread.
func (s *Storage) GetConversationStats(ctx context.Context, conversationID string) (*ConversationStats, error) {
	stats := &ConversationStats{ConversationID: conversationID}
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM collab_messages WHERE conversation_id = $1),
			(SELECT COUNT(*) FROM collab_runs WHERE conversation_id = $1),
			(SELECT COUNT(*) FROM collab_runs WHERE conversation_id = $1 AND status = 'error'),
			(SELECT COALESCE(AVG(total_time_ms), 0) FROM collab_runs WHERE conversation_id = $1 AND status = 'done')`,
		conversationID).
		Scan(&stats.MessageCount, &stats.RunCount, &stats.ErrorRunCount, &stats.AvgRunTimeMs)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation stats: %w", err)
	}
	return stats, nil
}

// GetGlobalStats aggregates counts and timings across all threads.
func (s *Storage) GetGlobalStats(ctx context.Context) (*GlobalStats, error) {
	stats := &GlobalStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM collab_messages),
			(SELECT COUNT(*) FROM collab_runs),
			(SELECT COUNT(*) FROM collab_runs WHERE status = 'error'),
			(SELECT COALESCE(AVG(total_time_ms), 0) FROM collab_runs WHERE status = 'done')`).
		Scan(&stats.ConversationCount, &stats.MessageCount, &stats.RunCount, &stats.ErrorRunCount, &stats.AvgRunTimeMs)
	if err != nil {
		return nil, fmt.Errorf("failed to get global stats: %w", err)
	}
	return stats, nil
}
