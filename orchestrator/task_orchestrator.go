// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"synapse/platform/orchestrator/llm"
)

// TaskStatus tracks a task node's lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
)

// TaskNode is one unit of work in a workflow DAG.
type TaskNode struct {
	ID            string          `json:"id"`
	TaskType      IntentType      `json:"task_type"`
	Description   string          `json:"description"`
	AssignedModel string          `json:"assigned_model,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	Dependencies  map[string]bool `json:"dependencies,omitempty"`
	Priority      int             `json:"priority"`
	Status        TaskStatus      `json:"status"`
	Result        string          `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// WorkflowDAG is a dependency graph of tasks with a precomputed batched
// execution order: every node appears in exactly one batch, and all of a
// node's dependencies appear in strictly earlier batches.
type WorkflowDAG struct {
	Template       string               `json:"template,omitempty"`
	Nodes          map[string]*TaskNode `json:"nodes"`
	ExecutionOrder [][]string           `json:"execution_order"`
}

// CycleDetectedError is returned when the dependency graph cannot be
// topologically batched. The remaining nodes are the ones caught in or
// downstream of the cycle.
type CycleDetectedError struct {
	Remaining []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency cycle detected; unorderable tasks: %s", strings.Join(e.Remaining, ", "))
}

// workflowTemplate is a canned task breakdown matched against the query.
type workflowTemplate struct {
	name    string
	pattern *regexp.Regexp
	tasks   []templateTask
	// deps lists (fromType, toType) pairs: the toType task depends on
	// the fromType task.
	deps [][2]IntentType
}

type templateTask struct {
	taskType    IntentType
	description string
	priority    int
}

var workflowTemplates = []workflowTemplate{
	{
		name:    "api_development",
		pattern: regexp.MustCompile(`\b(build|create|develop|design)\b.*\b(api|endpoint|service|backend)\b`),
		tasks: []templateTask{
			{IntentPlanning, "Design the API surface: resources, routes, and request/response shapes", 3},
			{IntentGenerate, "Implement the endpoints and data layer", 2},
			{IntentAnalysis, "Review the implementation for correctness and security issues", 1},
			{IntentExplanation, "Document the API for consumers", 1},
		},
		deps: [][2]IntentType{
			{IntentPlanning, IntentGenerate},
			{IntentGenerate, IntentAnalysis},
			{IntentGenerate, IntentExplanation},
		},
	},
	{
		name:    "bug_fixing",
		pattern: regexp.MustCompile(`\b(fix|debug|broken|crash|error|failing)\b`),
		tasks: []templateTask{
			{IntentDebug, "Reproduce the failure and isolate the root cause", 3},
			{IntentGenerate, "Implement the fix", 2},
			{IntentAnalysis, "Verify the fix and check for regressions", 1},
		},
		deps: [][2]IntentType{
			{IntentDebug, IntentGenerate},
			{IntentGenerate, IntentAnalysis},
		},
	},
	{
		name:    "research_report",
		pattern: regexp.MustCompile(`\b(research|report|survey|state of|literature)\b`),
		tasks: []templateTask{
			{IntentResearch, "Gather current sources and evidence on the topic", 3},
			{IntentAnalysis, "Analyze the gathered material for trends and conflicts", 2},
			{IntentGenerate, "Write the report", 1},
		},
		deps: [][2]IntentType{
			{IntentResearch, IntentAnalysis},
			{IntentAnalysis, IntentGenerate},
		},
	},
	{
		name:    "data_analysis",
		pattern: regexp.MustCompile(`\b(analy[sz]e|dataset|metrics|statistics|numbers)\b.*\b(data|results|figures)\b`),
		tasks: []templateTask{
			{IntentMath, "Compute the relevant statistics over the data", 3},
			{IntentAnalysis, "Interpret the computed results", 2},
			{IntentExplanation, "Summarize findings for a non-technical audience", 1},
		},
		deps: [][2]IntentType{
			{IntentMath, IntentAnalysis},
			{IntentAnalysis, IntentExplanation},
		},
	},
}

// TaskOrchestrator builds and executes workflow DAGs for complex queries.
type TaskOrchestrator struct {
	registry *llm.Registry
}

// NewTaskOrchestrator creates a task orchestrator over the given registry.
func NewTaskOrchestrator(registry *llm.Registry) *TaskOrchestrator {
	return &TaskOrchestrator{registry: registry}
}

// BuildWorkflow selects a workflow template for the query (or synthesizes
// tasks from the intent vector when none matches), assigns each task the
// highest-skill available model, and computes the batched execution order.
// A dependency cycle returns CycleDetectedError rather than a degraded
// ordering.
func (t *TaskOrchestrator) BuildWorkflow(query string, vector IntentVector, availableModels []ModelProfile) (*WorkflowDAG, error) {
	lower := strings.ToLower(query)

	dag := &WorkflowDAG{Nodes: make(map[string]*TaskNode)}

	var matched *workflowTemplate
	for i := range workflowTemplates {
		if workflowTemplates[i].pattern.MatchString(lower) {
			matched = &workflowTemplates[i]
			break
		}
	}

	if matched != nil {
		dag.Template = matched.name
		byType := make(map[IntentType]*TaskNode, len(matched.tasks))
		for _, tt := range matched.tasks {
			node := &TaskNode{
				ID:           uuid.NewString(),
				TaskType:     tt.taskType,
				Description:  tt.description,
				Dependencies: make(map[string]bool),
				Priority:     tt.priority,
				Status:       TaskPending,
			}
			dag.Nodes[node.ID] = node
			byType[tt.taskType] = node
		}
		for _, dep := range matched.deps {
			from, to := byType[dep[0]], byType[dep[1]]
			if from != nil && to != nil {
				to.Dependencies[from.ID] = true
			}
		}
	} else {
		// Synthesize tasks from the intent vector's active categories,
		// ordered by confidence, with a trailing synthesis task when
		// more than one task exists.
		active := vector.ActiveIntents(0.3)
		if len(active) == 0 {
			active = []IntentType{IntentConversation}
		}
		var priorIDs []string
		for i, intent := range active {
			node := &TaskNode{
				ID:           uuid.NewString(),
				TaskType:     intent,
				Description:  fmt.Sprintf("Address the %s aspect of the request", intent),
				Dependencies: make(map[string]bool),
				Priority:     len(active) - i,
				Status:       TaskPending,
			}
			dag.Nodes[node.ID] = node
			priorIDs = append(priorIDs, node.ID)
		}
		if len(priorIDs) > 1 {
			synth := &TaskNode{
				ID:           uuid.NewString(),
				TaskType:     IntentAnalysis,
				Description:  "Synthesize the task results into one answer",
				Dependencies: make(map[string]bool),
				Status:       TaskPending,
			}
			for _, id := range priorIDs {
				synth.Dependencies[id] = true
			}
			dag.Nodes[synth.ID] = synth
		}
	}

	for _, node := range dag.Nodes {
		if model, ok := BestModelForTask(node.TaskType, availableModels); ok {
			node.AssignedModel = model.ID
			node.Provider = model.Provider
		}
	}

	order, err := topologicalBatches(dag.Nodes)
	if err != nil {
		return nil, err
	}
	dag.ExecutionOrder = order
	return dag, nil
}

// topologicalBatches repeatedly collects every unscheduled node whose
// dependencies are all scheduled. An empty round with nodes remaining
// means a cycle.
func topologicalBatches(nodes map[string]*TaskNode) ([][]string, error) {
	scheduled := make(map[string]bool, len(nodes))
	var order [][]string

	for len(scheduled) < len(nodes) {
		var batch []string
		for id, node := range nodes {
			if scheduled[id] {
				continue
			}
			ready := true
			for dep := range node.Dependencies {
				if !scheduled[dep] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			var remaining []string
			for id := range nodes {
				if !scheduled[id] {
					remaining = append(remaining, id)
				}
			}
			return nil, &CycleDetectedError{Remaining: remaining}
		}
		// Deterministic within-batch order: higher priority first, then id.
		sortBatch(batch, nodes)
		for _, id := range batch {
			scheduled[id] = true
		}
		order = append(order, batch)
	}
	return order, nil
}

func sortBatch(batch []string, nodes map[string]*TaskNode) {
	for i := 1; i < len(batch); i++ {
		for j := i; j > 0; j-- {
			a, b := nodes[batch[j-1]], nodes[batch[j]]
			if b.Priority > a.Priority || (b.Priority == a.Priority && batch[j] < batch[j-1]) {
				batch[j], batch[j-1] = batch[j-1], batch[j]
			} else {
				break
			}
		}
	}
}

// Execute runs the DAG batch by batch with intra-batch parallelism. A task
// runs only when every dependency completed; tasks downstream of a failure
// are marked blocked, not failed.
func (t *TaskOrchestrator) Execute(ctx context.Context, dag *WorkflowDAG, query string) error {
	if len(dag.ExecutionOrder) == 0 {
		return fmt.Errorf("workflow has no execution order")
	}
	start := time.Now()

	var mu sync.Mutex
	for _, batch := range dag.ExecutionOrder {
		var wg sync.WaitGroup
		for _, id := range batch {
			node := dag.Nodes[id]

			blocked := false
			for dep := range node.Dependencies {
				if dag.Nodes[dep].Status != TaskCompleted {
					blocked = true
					break
				}
			}
			if blocked {
				node.Status = TaskBlocked
				continue
			}

			wg.Add(1)
			node.Status = TaskRunning
			go func(node *TaskNode) {
				defer wg.Done()
				result, err := t.runTask(ctx, dag, node, query)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					node.Status = TaskFailed
					node.Error = err.Error()
					log.Printf("[TaskOrchestrator] Task %s (%s) failed: %v", node.ID, node.TaskType, err)
					return
				}
				node.Status = TaskCompleted
				node.Result = result
			}(node)
		}
		wg.Wait()
	}

	log.Printf("[TaskOrchestrator] Workflow %q executed in %s", dag.Template, time.Since(start).Round(time.Millisecond))
	return nil
}

// runTask completes one task against its assigned model, feeding completed
// dependency results into the prompt.
func (t *TaskOrchestrator) runTask(ctx context.Context, dag *WorkflowDAG, node *TaskNode, query string) (string, error) {
	if node.Provider == "" {
		return "", fmt.Errorf("task %s has no assigned model", node.ID)
	}

	ladder, err := llm.NewFallbackLadder(t.registry, []llm.FallbackRung{
		{Provider: node.Provider, Model: node.AssignedModel},
	}, 0)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nOriginal request:\n%s\n", node.Description, query)
	for dep := range node.Dependencies {
		depNode := dag.Nodes[dep]
		if depNode != nil && depNode.Status == TaskCompleted && depNode.Result != "" {
			fmt.Fprintf(&b, "\nResult of prerequisite (%s):\n%s\n", depNode.TaskType, depNode.Result)
		}
	}

	resp, err := ladder.Complete(ctx, llm.CompletionRequest{Prompt: b.String()})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
