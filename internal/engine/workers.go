package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/inquest/internal/llm"
	"github.com/mohammad-safakhou/inquest/internal/telemetry"
	"github.com/mohammad-safakhou/inquest/internal/tools"
)

// maxRoundBudget caps the whole-round deadline no matter how wide the
// fan-out is.
const maxRoundBudget = 10 * time.Minute

// workerPool runs one round's tasks concurrently under a semaphore ceiling.
// Workers share nothing mutable: each gets the same immutable snapshot and
// writes only its own result slot.
type workerPool struct {
	registry    *tools.Registry
	reasoner    Reasoner
	sem         chan struct{}
	taskTimeout time.Duration
	toolRetries int
	tel         *telemetry.Telemetry
	logger      *log.Logger
}

func newWorkerPool(registry *tools.Registry, reasoner Reasoner, maxConcurrent int, taskTimeout time.Duration, toolRetries int, tel *telemetry.Telemetry, logger *log.Logger) *workerPool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	return &workerPool{
		registry:    registry,
		reasoner:    reasoner,
		sem:         make(chan struct{}, maxConcurrent),
		taskTimeout: taskTimeout,
		toolRetries: toolRetries,
		tel:         tel,
		logger:      logger,
	}
}

// taskResult carries one task's finding plus the worker's locally recorded
// trace events and episodes, merged by the supervisor in task-id order.
type taskResult struct {
	taskID   string
	status   TaskStatus
	finding  Finding
	events   []TraceEvent
	episodes []Episode
}

// runRound executes the given tasks (already sorted by id) and blocks until
// every one reports done or failed. A whole-round deadline derived from the
// per-task budget cancels stragglers; their slots get stub findings.
func (p *workerPool) runRound(ctx context.Context, tasks []ResearchTask, graph *TaskGraph, snap Snapshot) []taskResult {
	budget := p.taskTimeout * time.Duration(len(tasks))
	if budget < p.taskTimeout {
		budget = p.taskTimeout
	}
	if budget > maxRoundBudget {
		budget = maxRoundBudget
	}
	roundCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	results := make([]taskResult, len(tasks))
	done := make(chan int, len(tasks))
	for i := range tasks {
		go func(i int, task ResearchTask) {
			defer func() { done <- i }()
			select {
			case p.sem <- struct{}{}:
				defer func() { <-p.sem }()
			case <-roundCtx.Done():
				results[i] = p.stubResult(task, &TaskTimeoutError{TaskID: task.ID, Timeout: budget}, 0)
				return
			}
			results[i] = p.runTask(roundCtx, task, graph, snap)
		}(i, tasks[i])
	}
	for range tasks {
		<-done
	}
	return results
}

// runTask performs the task's tool calls and its single completion call.
func (p *workerPool) runTask(ctx context.Context, task ResearchTask, graph *TaskGraph, snap Snapshot) taskResult {
	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	role, _ := graph.Role(task.Role)
	model := role.ModelTier
	if model == "" {
		model = ModelTierStandard
	}

	evidence, episodes, events, err := p.collectEvidence(taskCtx, task)
	if err != nil {
		return p.failedResult(task, start, err, events, episodes)
	}

	text, inTok, outTok, cost, err := p.reasoner.GenerateWithTokens(taskCtx,
		workerSystemPrompt(role), workerPrompt(task, evidence, snap), model)
	if p.tel != nil {
		p.tel.RecordModelCall(ctx, telemetry.ModelCallEvent{
			Role:         task.Role,
			Model:        model,
			Duration:     time.Since(start),
			InputTokens:  inTok,
			OutputTokens: outTok,
			Cost:         cost,
			Success:      err == nil,
		})
	}
	if err != nil {
		return p.failedResult(task, start, fmt.Errorf("completion: %w", err), events, episodes)
	}

	claim, confidence, extra := parseFinding(text)
	finding := Finding{
		TaskID:     task.ID,
		Role:       task.Role,
		Claim:      claim,
		Evidence:   append(evidence, extra...),
		Confidence: confidence,
		Elapsed:    time.Since(start),
		TokensUsed: inTok + outTok,
		Cost:       cost,
	}
	return taskResult{taskID: task.ID, status: TaskDone, finding: finding, events: events, episodes: episodes}
}

// collectEvidence walks the task's allowed tools in declared order, one
// synchronous call each, retrying a failing call with exponential backoff
// before giving up on the task.
func (p *workerPool) collectEvidence(ctx context.Context, task ResearchTask) ([]Evidence, []Episode, []TraceEvent, error) {
	var evidence []Evidence
	var episodes []Episode
	var events []TraceEvent

	for _, name := range task.AllowedTools {
		args, ok := argsForTool(name, task, evidence)
		if !ok {
			continue
		}
		callStart := time.Now()
		result, err := p.invokeWithRetry(ctx, name, args)
		if p.tel != nil {
			p.tel.RecordToolCall(ctx, telemetry.ToolCallEvent{
				Tool:     name,
				Duration: time.Since(callStart),
				Success:  err == nil,
			})
		}
		if err != nil {
			events = append(events, TraceEvent{Kind: TraceToolCall, Round: task.Round, TaskID: task.ID, Tool: name, Err: err.Error()})
			episodes = append(episodes, Episode{Round: task.Round, TaskID: task.ID, Tool: name, Summary: err.Error(), Failed: true})
			return evidence, episodes, events, fmt.Errorf("tool %s: %w", name, err)
		}
		summary := summarizeResult(result)
		events = append(events, TraceEvent{Kind: TraceToolCall, Round: task.Round, TaskID: task.ID, Tool: name, Detail: summary})
		episodes = append(episodes, Episode{Round: task.Round, TaskID: task.ID, Tool: name, Summary: summary})
		evidence = append(evidence, extractEvidence(name, result)...)
	}
	return evidence, episodes, events, nil
}

func (p *workerPool) invokeWithRetry(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= p.toolRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		result, err := p.registry.Invoke(ctx, name, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		p.logger.Printf("tool %s attempt %d failed: %v", name, attempt+1, err)
	}
	return nil, lastErr
}

func (p *workerPool) failedResult(task ResearchTask, start time.Time, err error, events []TraceEvent, episodes []Episode) taskResult {
	var taskErr error
	if errors.Is(err, context.DeadlineExceeded) {
		taskErr = &TaskTimeoutError{TaskID: task.ID, Timeout: p.taskTimeout}
	} else {
		taskErr = &TaskExecutionError{TaskID: task.ID, Err: err}
	}
	p.logger.Printf("task %s failed: %v", task.ID, taskErr)
	return taskResult{
		taskID: task.ID,
		status: TaskFailed,
		finding: Finding{
			TaskID:  task.ID,
			Role:    task.Role,
			Err:     taskErr.Error(),
			Elapsed: time.Since(start),
		},
		events:   events,
		episodes: episodes,
	}
}

func (p *workerPool) stubResult(task ResearchTask, err error, elapsed time.Duration) taskResult {
	return taskResult{
		taskID: task.ID,
		status: TaskFailed,
		finding: Finding{
			TaskID:  task.ID,
			Role:    task.Role,
			Err:     err.Error(),
			Elapsed: elapsed,
		},
	}
}

func workerSystemPrompt(role RoleSpec) string {
	goal := role.Goal
	if goal == "" {
		goal = "investigate the question and report what you find"
	}
	return fmt.Sprintf(`You are a %s in a research team. Your goal: %s.
Reply with a single JSON object: {"claim":"...","confidence":0.0-1.0,"evidence":[{"source":"...","excerpt":"..."}]}. Base the claim only on the supplied material.`, role.Name, goal)
}

func workerPrompt(task ResearchTask, evidence []Evidence, snap Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-question: %s\n", task.Question)
	if len(evidence) > 0 {
		b.WriteString("\nCollected material:\n")
		for _, ev := range evidence {
			fmt.Fprintf(&b, "- %s: %s\n", ev.Source, truncate(ev.Excerpt, episodeBodyLimit))
		}
	}
	if recent := snap.EpisodeContext(task.Round); recent != "" {
		b.WriteString("\nRecent tool activity:\n")
		b.WriteString(recent)
	}
	if narrative := snap.NarrativeContext(); narrative != "" {
		b.WriteString("\nEstablished so far:\n")
		b.WriteString(narrative)
	}
	return b.String()
}

// argsForTool builds deterministic arguments per tool family. Fetch-style
// tools need a URL from earlier evidence; without one the call is skipped
// rather than failed.
func argsForTool(name string, task ResearchTask, evidence []Evidence) (map[string]interface{}, bool) {
	switch {
	case strings.Contains(name, "fetch"):
		for _, ev := range evidence {
			if strings.HasPrefix(ev.Source, "http") {
				return map[string]interface{}{"url": ev.Source}, true
			}
		}
		return nil, false
	case strings.Contains(name, "knowledge") || strings.HasPrefix(name, "kb."):
		return map[string]interface{}{"collection": "default", "query": task.Question, "top_k": 5}, true
	default:
		return map[string]interface{}{"query": task.Question, "k": 5}, true
	}
}

// extractEvidence normalizes known result shapes into citations; unknown
// shapes degrade to a single tool-attributed excerpt.
func extractEvidence(tool string, result map[string]interface{}) []Evidence {
	var out []Evidence
	if results, ok := result["results"].([]interface{}); ok {
		for _, r := range results {
			m, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			title, _ := m["title"].(string)
			url, _ := m["url"].(string)
			snippet, _ := m["snippet"].(string)
			excerpt := title
			if snippet != "" {
				if excerpt != "" {
					excerpt += ": "
				}
				excerpt += snippet
			}
			if url == "" && excerpt == "" {
				continue
			}
			out = append(out, Evidence{Source: url, Excerpt: excerpt})
		}
		return out
	}
	if hits, ok := result["hits"].([]interface{}); ok {
		for _, h := range hits {
			m, ok := h.(map[string]interface{})
			if !ok {
				continue
			}
			source, _ := m["source"].(string)
			excerpt, _ := m["excerpt"].(string)
			if source == "" && excerpt == "" {
				continue
			}
			out = append(out, Evidence{Source: source, Excerpt: excerpt})
		}
		return out
	}
	if text, ok := result["text"].(string); ok {
		url, _ := result["url"].(string)
		if url == "" {
			url = tool
		}
		return []Evidence{{Source: url, Excerpt: truncate(text, episodeBodyLimit)}}
	}
	raw, err := json.Marshal(result)
	if err != nil || len(raw) == 0 || string(raw) == "{}" {
		return nil
	}
	return []Evidence{{Source: tool, Excerpt: truncate(string(raw), episodeBodyLimit)}}
}

func summarizeResult(result map[string]interface{}) string {
	if results, ok := result["results"].([]interface{}); ok {
		return fmt.Sprintf("%d results", len(results))
	}
	if hits, ok := result["hits"].([]interface{}); ok {
		if note, _ := result["note"].(string); note != "" {
			return note
		}
		return fmt.Sprintf("%d hits", len(hits))
	}
	if text, ok := result["text"].(string); ok {
		return truncate(text, 120)
	}
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "keys: " + strings.Join(keys, ",")
}

// parseFinding decodes the completion as a JSON finding, with a lenient
// fallback: the whole reply becomes the claim at default confidence.
func parseFinding(text string) (string, float64, []Evidence) {
	raw := llm.ExtractFirstJSON(llm.StripCodeFences(text))
	var parsed struct {
		Claim      string     `json:"claim"`
		Confidence *float64   `json:"confidence"`
		Evidence   []Evidence `json:"evidence"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || strings.TrimSpace(parsed.Claim) == "" {
		return strings.TrimSpace(text), 0.5, nil
	}
	confidence := 0.5
	if parsed.Confidence != nil {
		confidence = *parsed.Confidence
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return strings.TrimSpace(parsed.Claim), confidence, parsed.Evidence
}
