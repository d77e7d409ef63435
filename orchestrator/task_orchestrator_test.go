// Copyright 2025 Synapse
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertValidBatching checks that every node appears in exactly one batch
// and all dependencies land in strictly earlier batches.
func assertValidBatching(t *testing.T, dag *WorkflowDAG) {
	t.Helper()

	batchOf := make(map[string]int)
	for batchIdx, batch := range dag.ExecutionOrder {
		for _, id := range batch {
			_, seen := batchOf[id]
			require.False(t, seen, "node %s appears in more than one batch", id)
			batchOf[id] = batchIdx
		}
	}
	require.Len(t, batchOf, len(dag.Nodes), "every node must be scheduled exactly once")

	for id, node := range dag.Nodes {
		for dep := range node.Dependencies {
			assert.Less(t, batchOf[dep], batchOf[id],
				"dependency %s of %s must run in an earlier batch", dep, id)
		}
	}
}

func TestBuildWorkflowMatchesBugFixingTemplate(t *testing.T) {
	orch := NewTaskOrchestrator(nil)
	vector := NewIntentClassifier().Classify("fix the crash in the payment service", "")

	dag, err := orch.BuildWorkflow("fix the crash in the payment service", vector, DefaultModelProfiles)
	require.NoError(t, err)

	assert.Equal(t, "bug_fixing", dag.Template)
	assert.Len(t, dag.Nodes, 3)
	assertValidBatching(t, dag)

	for _, node := range dag.Nodes {
		assert.NotEmpty(t, node.AssignedModel, "task %s should have a model", node.TaskType)
		assert.Equal(t, TaskPending, node.Status)
	}
}

func TestBuildWorkflowAPIDevelopmentTemplate(t *testing.T) {
	orch := NewTaskOrchestrator(nil)
	query := "design and build an API for inventory tracking"
	vector := NewIntentClassifier().Classify(query, "")

	dag, err := orch.BuildWorkflow(query, vector, DefaultModelProfiles)
	require.NoError(t, err)
	assert.Equal(t, "api_development", dag.Template)
	assert.Len(t, dag.Nodes, 4)
	assertValidBatching(t, dag)

	// Review and documentation both depend only on implementation, so they
	// share a batch.
	assert.Len(t, dag.ExecutionOrder, 3)
	assert.Len(t, dag.ExecutionOrder[2], 2)
}

func TestBuildWorkflowSynthesizesFromIntents(t *testing.T) {
	orch := NewTaskOrchestrator(nil)
	vector := IntentVector{Needs: map[IntentType]float64{
		IntentResearch: 0.8,
		IntentMath:     0.5,
	}}

	dag, err := orch.BuildWorkflow("zzz unmatched query zzz", vector, DefaultModelProfiles)
	require.NoError(t, err)
	assert.Empty(t, dag.Template)
	// Two intent tasks plus the trailing synthesis task.
	assert.Len(t, dag.Nodes, 3)
	assertValidBatching(t, dag)

	// The synthesis task runs last, alone.
	last := dag.ExecutionOrder[len(dag.ExecutionOrder)-1]
	require.Len(t, last, 1)
	synth := dag.Nodes[last[0]]
	assert.Len(t, synth.Dependencies, 2)
}

func TestBuildWorkflowFallsBackToConversation(t *testing.T) {
	orch := NewTaskOrchestrator(nil)

	dag, err := orch.BuildWorkflow("zzz", IntentVector{Needs: map[IntentType]float64{}}, DefaultModelProfiles)
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 1)
	for _, node := range dag.Nodes {
		assert.Equal(t, IntentConversation, node.TaskType)
	}
}

func TestTopologicalBatchesDetectsCycle(t *testing.T) {
	nodes := map[string]*TaskNode{
		"a": {ID: "a", Dependencies: map[string]bool{"b": true}},
		"b": {ID: "b", Dependencies: map[string]bool{"a": true}},
		"c": {ID: "c", Dependencies: map[string]bool{}},
	}

	_, err := topologicalBatches(nodes)
	require.Error(t, err)

	cycleErr, ok := err.(*CycleDetectedError)
	require.True(t, ok, "expected CycleDetectedError, got %T", err)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Remaining)
}

func TestExecuteRunsBatchesAndPropagatesResults(t *testing.T) {
	fake := newFakeProvider("stub", nil)
	orch := NewTaskOrchestrator(testRegistry(fake))

	query := "fix the crash in the payment service"
	vector := NewIntentClassifier().Classify(query, "")
	dag, err := orch.BuildWorkflow(query, vector, []ModelProfile{
		{ID: "stub-model", Provider: "stub", Skills: map[IntentType]float64{
			IntentDebug: 9, IntentGenerate: 9, IntentAnalysis: 9,
		}},
	})
	require.NoError(t, err)

	require.NoError(t, orch.Execute(context.Background(), dag, query))
	for _, node := range dag.Nodes {
		assert.Equal(t, TaskCompleted, node.Status)
		assert.NotEmpty(t, node.Result)
	}
	assert.EqualValues(t, len(dag.Nodes), fake.calls())
}

func TestExecuteBlocksDownstreamOfFailure(t *testing.T) {
	failing := newFakeProvider("stub", failingResponder("stub"))
	orch := NewTaskOrchestrator(testRegistry(failing))

	query := "fix the crash in the payment service"
	vector := NewIntentClassifier().Classify(query, "")
	dag, err := orch.BuildWorkflow(query, vector, []ModelProfile{
		{ID: "stub-model", Provider: "stub", Skills: map[IntentType]float64{
			IntentDebug: 9, IntentGenerate: 9, IntentAnalysis: 9,
		}},
	})
	require.NoError(t, err)

	require.NoError(t, orch.Execute(context.Background(), dag, query))

	var failed, blocked int
	for _, node := range dag.Nodes {
		switch node.Status {
		case TaskFailed:
			failed++
			assert.NotEmpty(t, node.Error)
		case TaskBlocked:
			blocked++
		}
	}
	// The root task fails; everything downstream is blocked, not failed.
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, blocked)
	assert.EqualValues(t, 1, failing.calls())
}

func TestExecuteWithFallbackRungOnTask(t *testing.T) {
	// The assigned model rides a fallback ladder, so an unregistered
	// provider surfaces as a task failure rather than a panic.
	orch := NewTaskOrchestrator(testRegistry())
	dag := &WorkflowDAG{
		Nodes: map[string]*TaskNode{
			"t1": {ID: "t1", TaskType: IntentDebug, Provider: "ghost", AssignedModel: "ghost-model",
				Dependencies: map[string]bool{}, Status: TaskPending},
		},
		ExecutionOrder: [][]string{{"t1"}},
	}

	require.NoError(t, orch.Execute(context.Background(), dag, "q"))
	assert.Equal(t, TaskFailed, dag.Nodes["t1"].Status)
}
