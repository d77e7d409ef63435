// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"synapse/platform/orchestrator/llm"
)

// CollaborateRequest is the body of POST /api/v1/collaborate.
type CollaborateRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Mode           string `json:"mode,omitempty"` // "collaborative" (default) or "anonymous"
}

// CollaborateResponse is the result of a pipeline run.
type CollaborateResponse struct {
	ConversationID string          `json:"conversation_id"`
	RunID          string          `json:"run_id"`
	FinalOutput    string          `json:"final_output"`
	StageOutputs   []AgentOutput   `json:"stage_outputs"`
	TotalTimeMs    float64         `json:"total_time_ms"`
	Rewritten      string          `json:"rewritten_query,omitempty"`
	Disambiguation *Disambiguation `json:"disambiguation,omitempty"`
}

// MetaQuestionRequest asks a question about the conversation itself.
type MetaQuestionRequest struct {
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
}

// FollowUpRequest continues from the latest run's output.
type FollowUpRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// WorkflowRequest runs the task orchestrator instead of the fixed pipeline.
type WorkflowRequest struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": s.registry.GetHealthyProviders(),
		"sessions":  s.sessions.Len(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	statuses := make([]map[string]any, 0)
	for _, name := range s.registry.List() {
		entry := map[string]any{"name": name}
		if provider, err := s.registry.Get(name); err == nil {
			entry["type"] = provider.Type()
			entry["capabilities"] = provider.Capabilities()
			entry["streaming"] = provider.SupportsStreaming()
		}
		if health := s.registry.GetHealthResult(name); health != nil {
			entry["health"] = health
		}
		statuses = append(statuses, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": statuses})
}

// prepareTurn resolves the conversation, rewrites the message against the
// thread's recent entities, and persists the user message. It returns a
// non-nil disambiguation when the rewrite is ambiguous; callers should
// short-circuit without running the pipeline.
func (s *Server) prepareTurn(r *http.Request, conversationID, message string) (*Conversation, *CollabMessage, RewriteResult, error) {
	ctx := r.Context()

	var conv *Conversation
	var err error
	if conversationID == "" {
		title := message
		if len(title) > 80 {
			title = title[:80]
		}
		conv, err = s.storage.CreateConversation(ctx, title)
	} else {
		conv, err = s.storage.GetConversation(ctx, conversationID)
	}
	if err != nil {
		return nil, nil, RewriteResult{}, err
	}

	topics, err := s.entities.RecentEntities(ctx, conv.ID)
	if err != nil {
		return nil, nil, RewriteResult{}, err
	}
	rewrite := s.rewriter.Rewrite(message, topics)

	for _, entity := range ExtractEntities(message) {
		entity.Context = message
		if recordErr := s.entities.RecordMention(ctx, conv.ID, entity); recordErr != nil {
			s.logger.Warn("", "", "Failed to record entity mention", map[string]interface{}{
				"error": recordErr.Error(),
			})
		}
	}

	msg, err := s.storage.AddMessage(ctx, conv.ID, "user", message)
	if err != nil {
		return nil, nil, RewriteResult{}, err
	}
	return conv, msg, rewrite, nil
}

// pipelineConfigFor picks the pipeline config and default rungs for a
// request: ranked routing decisions become the fallback ladder, with every
// healthy provider's default model appended as a safety net.
func (s *Server) pipelineConfigFor(mode, query, context string) (*PipelineConfig, IntentVector) {
	vector := s.classifier.Classify(query, context)

	available := s.availableProfiles()
	decisions := s.skills.Route(vector, available, 3)

	var rungs []llm.FallbackRung
	seen := make(map[string]bool)
	for _, decision := range decisions {
		if !seen[decision.Provider] {
			rungs = append(rungs, llm.FallbackRung{Provider: decision.Provider, Model: decision.ModelID})
			seen[decision.Provider] = true
		}
	}
	for _, name := range s.registry.GetHealthyProviders() {
		if !seen[name] {
			rungs = append(rungs, llm.FallbackRung{Provider: name})
			seen[name] = true
		}
	}

	if mode == "anonymous" {
		return AnonymousPipelineConfig(rungs), vector
	}
	return DefaultPipelineConfig(rungs), vector
}

// availableProfiles filters the static model catalog down to registered
// providers.
func (s *Server) availableProfiles() []ModelProfile {
	registered := make(map[string]bool)
	for _, name := range s.registry.List() {
		registered[name] = true
	}
	var out []ModelProfile
	for _, profile := range DefaultModelProfiles {
		if registered[profile.Provider] {
			out = append(out, profile)
		}
	}
	return out
}

func (s *Server) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	var req CollaborateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	conv, msg, rewrite, err := s.prepareTurn(r, req.ConversationID, req.Message)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	if rewrite.Ambiguous {
		writeJSON(w, http.StatusOK, CollaborateResponse{
			ConversationID: conv.ID,
			Disambiguation: rewrite.Disambiguation,
		})
		return
	}

	session := s.sessions.Get(conv.ID)
	mode := req.Mode
	if mode == "" {
		mode = "collaborative"
	}

	config, _ := s.pipelineConfigFor(mode, rewrite.Rewritten, recentContext(session))

	ctx := r.Context()
	run, err := s.storage.CreateRun(ctx, conv.ID, msg.ID, mode)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if err := s.storage.UpdateRunStatus(ctx, run.ID, RunRunning, "", 0); err != nil {
		s.writeStorageError(w, err)
		return
	}

	engine := NewPipelineEngine(s.registry, session.Lattice)
	result, runErr := engine.Run(ctx, config, rewrite.Rewritten, run.ID)
	s.persistRun(r, run.ID, mode, result, runErr)

	if runErr != nil {
		writeError(w, http.StatusInternalServerError, runErr.Error())
		return
	}

	if _, err := s.storage.AddMessage(ctx, conv.ID, "assistant", result.FinalOutput); err != nil {
		s.logger.Warn("", "", "Failed to persist assistant message", map[string]interface{}{"error": err.Error()})
	}
	session.AddTurn(Turn{UserMessage: req.Message, Response: result.FinalOutput})

	resp := CollaborateResponse{
		ConversationID: conv.ID,
		RunID:          run.ID,
		FinalOutput:    result.FinalOutput,
		StageOutputs:   result.StageOutputs,
		TotalTimeMs:    result.TotalTimeMs,
	}
	if rewrite.Rewritten != strings.TrimSpace(req.Message) {
		resp.Rewritten = rewrite.Rewritten
	}
	writeJSON(w, http.StatusOK, resp)
}

// persistRun records stage rows, the run's final status, and metrics.
func (s *Server) persistRun(r *http.Request, runID, mode string, result *PipelineResult, runErr error) {
	ctx := r.Context()
	if result != nil {
		for i, record := range result.StageRecords {
			if _, err := s.storage.AddStep(ctx, runID, i, record); err != nil {
				s.logger.Warn("", "", "Failed to persist step", map[string]interface{}{"error": err.Error()})
			}
			if record.Output != nil {
				s.metrics.RecordStage(record.Role, record.Output.LatencyMs)
				s.metrics.RecordProviderCall(record.Output.Provider, nil)
				s.skills.RecordOutcome(record.Output.Model, true)
			}
			if record.Error != nil {
				s.metrics.RecordProviderCall(record.Error.Provider, fmt.Errorf("%s", record.Error.Message))
			}
		}
	}

	status := RunDone
	finalOutput := ""
	totalMs := 0.0
	if result != nil {
		finalOutput = result.FinalOutput
		totalMs = result.TotalTimeMs
	}
	if runErr != nil {
		status = RunError
	}
	if err := s.storage.UpdateRunStatus(ctx, runID, status, finalOutput, totalMs); err != nil {
		s.logger.Warn("", "", "Failed to update run status", map[string]interface{}{"error": err.Error()})
	}
	s.metrics.RecordPipelineRun(mode, runErr, totalMs)
}

func (s *Server) handleCollaborateStream(w http.ResponseWriter, r *http.Request) {
	var req CollaborateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conv, msg, rewrite, err := s.prepareTurn(r, req.ConversationID, req.Message)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if rewrite.Ambiguous {
		writeJSON(w, http.StatusOK, CollaborateResponse{
			ConversationID: conv.ID,
			Disambiguation: rewrite.Disambiguation,
		})
		return
	}

	session := s.sessions.Get(conv.ID)
	mode := req.Mode
	if mode == "" {
		mode = "collaborative"
	}
	config, _ := s.pipelineConfigFor(mode, rewrite.Rewritten, recentContext(session))

	ctx := r.Context()
	run, err := s.storage.CreateRun(ctx, conv.ID, msg.ID, mode)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if err := s.storage.UpdateRunStatus(ctx, run.ID, RunRunning, "", 0); err != nil {
		s.writeStorageError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(payload any) {
		data, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	writeFrame(map[string]any{"type": "run_started", "run_id": run.ID, "conversation_id": conv.ID})

	engine := NewPipelineEngine(s.registry, session.Lattice)
	result, runErr := engine.RunStream(ctx, config, rewrite.Rewritten, run.ID, func(chunk llm.StreamChunk) error {
		writeFrame(chunk)
		return nil
	})
	s.persistRun(r, run.ID, mode, result, runErr)

	if runErr != nil {
		writeFrame(map[string]any{"type": "error", "detail": runErr.Error()})
	} else {
		if _, err := s.storage.AddMessage(ctx, conv.ID, "assistant", result.FinalOutput); err != nil {
			s.logger.Warn("", "", "Failed to persist assistant message", map[string]interface{}{"error": err.Error()})
		}
		session.AddTurn(Turn{UserMessage: req.Message, Response: result.FinalOutput})
		writeFrame(map[string]any{"type": "run_done", "run_id": run.ID, "total_time_ms": result.TotalTimeMs})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleMetaQuestion(w http.ResponseWriter, r *http.Request) {
	var req MetaQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" || strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and question are required")
		return
	}

	ctx := r.Context()
	if _, err := s.storage.GetConversation(ctx, req.ConversationID); err != nil {
		s.writeStorageError(w, err)
		return
	}
	messages, err := s.storage.GetMessages(ctx, req.ConversationID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	stats, err := s.storage.GetConversationStats(ctx, req.ConversationID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}

	var transcript strings.Builder
	for _, msg := range messages {
		content := msg.Content
		if len(content) > 500 {
			content = content[:500]
		}
		fmt.Fprintf(&transcript, "[%s] %s\n", msg.Role, content)
	}

	prompt := fmt.Sprintf(
		"The user asks a question about the conversation below, not a new request.\n\nConversation (%d messages, %d runs):\n%s\nQuestion: %s",
		stats.MessageCount, stats.RunCount, transcript.String(), req.Question)

	answer, err := s.singleCompletion(r, prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": req.ConversationID,
		"answer":          answer,
	})
}

func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	var req FollowUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and message are required")
		return
	}

	ctx := r.Context()
	if _, err := s.storage.GetConversation(ctx, req.ConversationID); err != nil {
		s.writeStorageError(w, err)
		return
	}

	topics, err := s.entities.RecentEntities(ctx, req.ConversationID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	rewrite := s.rewriter.Rewrite(req.Message, topics)
	if rewrite.Ambiguous {
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation_id": req.ConversationID,
			"disambiguation":  rewrite.Disambiguation,
		})
		return
	}

	session := s.sessions.Get(req.ConversationID)
	turns := session.RecentTurns()
	var context strings.Builder
	if len(turns) > 0 {
		last := turns[len(turns)-1]
		fmt.Fprintf(&context, "Previous exchange:\nUser: %s\nAssistant: %s\n\n", last.UserMessage, last.Response)
	}
	prompt := fmt.Sprintf("%sFollow-up: %s", context.String(), rewrite.Rewritten)

	answer, err := s.singleCompletion(r, prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.storage.AddMessage(ctx, req.ConversationID, "user", req.Message); err == nil {
		_, _ = s.storage.AddMessage(ctx, req.ConversationID, "assistant", answer)
	}
	session.AddTurn(Turn{UserMessage: req.Message, Response: answer})

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": req.ConversationID,
		"answer":          answer,
		"rewritten_query": rewrite.Rewritten,
	})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	vector := s.classifier.Classify(req.Message, "")
	dag, err := s.tasks.BuildWorkflow(req.Message, vector, s.availableProfiles())
	if err != nil {
		if _, ok := err.(*CycleDetectedError); ok {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.tasks.Execute(r.Context(), dag, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dag)
}

// singleCompletion runs one completion through the full healthy-provider
// fallback ladder.
func (s *Server) singleCompletion(r *http.Request, prompt string) (string, error) {
	var rungs []llm.FallbackRung
	for _, name := range s.registry.GetHealthyProviders() {
		rungs = append(rungs, llm.FallbackRung{Provider: name})
	}
	ladder, err := llm.NewFallbackLadder(s.registry, rungs, 0)
	if err != nil {
		return "", err
	}
	resp, err := ladder.Complete(r.Context(), llm.CompletionRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (s *Server) handleAgentOutputs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	steps, err := s.storage.GetAgentOutputs(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread_id": id, "agent_outputs": steps})
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.storage.GetRun(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	steps, err := s.storage.GetRunSteps(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func (s *Server) handleThreadStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.storage.GetConversation(r.Context(), id); err != nil {
		s.writeStorageError(w, err)
		return
	}
	stats, err := s.storage.GetConversationStats(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.storage.DeleteConversation(r.Context(), id); err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.GetGlobalStats(r.Context())
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"storage": stats,
		"runtime": s.metrics.Snapshot(),
	})
}

// writeStorageError maps storage errors onto HTTP statuses: not-found
// becomes 404, everything else 500.
func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "not found") {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// recentContext renders a session's recent turns for the classifier's
// context-dependency signal.
func recentContext(session *SessionState) string {
	turns := session.RecentTurns()
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(turn.UserMessage)
		b.WriteString("\n")
	}
	return b.String()
}
