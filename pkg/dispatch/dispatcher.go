// Package dispatch routes assembled batches to the memory agent layer:
// either one meta-memory agent that decides which memories to update
// (coordinator mode), or a bounded parallel fan-out to the six specialized
// memory agents (direct mode).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mirix-ai/mirixd/pkg/metrics"
	"github.com/mirix-ai/mirixd/pkg/models"
)

// MemoryType identifies one kind of long-term memory agent.
type MemoryType string

// Memory agent types.
const (
	MemoryEpisodic       MemoryType = "episodic_memory"
	MemoryProcedural     MemoryType = "procedural_memory"
	MemoryKnowledgeVault MemoryType = "knowledge_vault"
	MemorySemantic       MemoryType = "semantic_memory"
	MemoryCore           MemoryType = "core_memory"
	MemoryResource       MemoryType = "resource_memory"
	MemoryMeta           MemoryType = "meta_memory"
)

// MemoryAgentTypes is the direct-mode fan-out set.
var MemoryAgentTypes = []MemoryType{
	MemoryEpisodic,
	MemoryProcedural,
	MemoryKnowledgeVault,
	MemorySemantic,
	MemoryCore,
	MemoryResource,
}

// Batch is one absorbed unit handed to the agent layer.
type Batch struct {
	// Parts is the assembled multimodal prompt.
	Parts []models.ContentPart

	// Metadata describes the batch for agent-side bookkeeping.
	Metadata Metadata
}

// Metadata carries batch-level context alongside the prompt.
type Metadata struct {
	// CycleID uniquely identifies the absorption cycle that produced the
	// batch.
	CycleID string

	// MessageCount is the number of staged messages in the batch.
	MessageCount int

	// FileURIs lists remote file URIs referenced by the prompt, letting
	// agents skip re-uploading files they already track.
	FileURIs []string
}

// Agent is the contract the core consumes from the agent layer. Errors are
// logged by the dispatcher, never propagated as absorption failures.
type Agent interface {
	Handle(ctx context.Context, batch *Batch, userID string) (string, error)
}

// Result is one agent's outcome for a batch.
type Result struct {
	Agent  MemoryType
	Output string
	Err    error
}

// Aggregate collects all agent results for one dispatch.
type Aggregate struct {
	Results []Result
}

// Succeeded counts agents that returned without error.
func (a Aggregate) Succeeded() int {
	n := 0
	for _, r := range a.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// ErrNoAgentSucceeded indicates every recipient of a batch failed.
var ErrNoAgentSucceeded = errors.New("dispatch: no agent succeeded")

// Dispatcher routes batches to registered agents.
type Dispatcher struct {
	meta     Agent
	memory   map[MemoryType]Agent
	sem      *semaphore.Weighted
	skipMeta bool
}

// New creates a dispatcher. meta may be nil when skipMeta is true; any
// missing specialized agent is skipped at fan-out with a log line.
func New(meta Agent, memory map[MemoryType]Agent, concurrency int, skipMeta bool) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		meta:     meta,
		memory:   memory,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		skipMeta: skipMeta,
	}
}

// Dispatch hands the batch to the agent layer in the configured mode. The
// returned aggregate always contains one result per contacted agent;
// ErrNoAgentSucceeded is returned only when every contact failed.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *Batch, userID string) (Aggregate, error) {
	if d.skipMeta {
		return d.fanOut(ctx, batch, userID)
	}
	return d.viaMeta(ctx, batch, userID)
}

// viaMeta performs the single coordinator-mode call.
func (d *Dispatcher) viaMeta(ctx context.Context, batch *Batch, userID string) (Aggregate, error) {
	if d.meta == nil {
		return Aggregate{}, fmt.Errorf("dispatch: meta-memory agent not configured")
	}
	output, err := d.meta.Handle(ctx, batch, userID)
	agg := Aggregate{Results: []Result{{Agent: MemoryMeta, Output: output, Err: err}}}
	if err != nil {
		metrics.DispatchAgentFailures.WithLabelValues(string(MemoryMeta)).Inc()
		slog.Error("Meta-memory agent failed",
			"user_id", userID, "cycle_id", batch.Metadata.CycleID, "error", err)
		return agg, ErrNoAgentSucceeded
	}
	return agg, nil
}

// fanOut sends the batch to every specialized agent in parallel under the
// concurrency bound. One agent's failure never cancels its siblings; the
// call returns when all workers have terminated.
func (d *Dispatcher) fanOut(ctx context.Context, batch *Batch, userID string) (Aggregate, error) {
	results := make([]Result, 0, len(MemoryAgentTypes))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, agentType := range MemoryAgentTypes {
		agent, ok := d.memory[agentType]
		if !ok {
			slog.Warn("No agent registered for memory type, skipping",
				"agent", agentType, "user_id", userID)
			continue
		}

		wg.Add(1)
		go func(agentType MemoryType, agent Agent) {
			defer wg.Done()

			if err := d.sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				results = append(results, Result{Agent: agentType, Err: err})
				mu.Unlock()
				return
			}
			defer d.sem.Release(1)

			output, err := agent.Handle(ctx, batch, userID)
			if err != nil {
				metrics.DispatchAgentFailures.WithLabelValues(string(agentType)).Inc()
				slog.Error("Memory agent failed",
					"agent", agentType, "user_id", userID,
					"cycle_id", batch.Metadata.CycleID, "error", err)
			}
			mu.Lock()
			results = append(results, Result{Agent: agentType, Output: output, Err: err})
			mu.Unlock()
		}(agentType, agent)
	}

	wg.Wait()

	agg := Aggregate{Results: results}
	if len(results) > 0 && agg.Succeeded() == 0 {
		return agg, ErrNoAgentSucceeded
	}
	return agg, nil
}
