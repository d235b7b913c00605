// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package council

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/synod/pkg/backend"
	"github.com/kadirpekel/synod/pkg/config"
	"github.com/kadirpekel/synod/pkg/logger"
	"github.com/kadirpekel/synod/pkg/metrics"
	"github.com/kadirpekel/synod/pkg/tokens"
)

// Engine drives deliberations. One Engine serves all requests; everything
// request-scoped lives on the stack of Run.
type Engine struct {
	loader   *config.Loader
	registry *backend.Registry
	store    ConversationStore
	scores   ScoreKeeper
	searcher Searcher
	meter    *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithScoreKeeper installs the leaderboard sink.
func WithScoreKeeper(s ScoreKeeper) Option {
	return func(e *Engine) { e.scores = s }
}

// WithSearcher installs the optional web-search hook.
func WithSearcher(s Searcher) Option {
	return func(e *Engine) { e.searcher = s }
}

// WithMetrics installs Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.meter = m }
}

// NewEngine creates an Engine over the given config, backends, and
// conversation store.
func NewEngine(loader *config.Loader, registry *backend.Registry, store ConversationStore, opts ...Option) *Engine {
	e := &Engine{loader: loader, registry: registry, store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) snapshot() *config.Snapshot { return e.loader.Current() }

func (e *Engine) chairman() string { return e.snapshot().Global.Chairman }

func (e *Engine) titleModel() string { return e.snapshot().Global.TitleModel }

func (e *Engine) temperatures() config.StageTemperatures {
	return e.snapshot().Global.Deliberation.Temperatures
}

// Request is one deliberation request.
type Request struct {
	ConversationID string
	CouncilID      string
	Query          string
	Mode           Mode
	ForceDirect    bool
}

// Sink receives pipeline events in order. A sink error is treated as a
// gone client and cancels the request.
type Sink func(Event) error

// Run executes the pipeline for one request, streaming events to sink.
// The conversation must already exist; Run appends the user turn and, on
// success, exactly one assistant record.
func (e *Engine) Run(ctx context.Context, req Request, sink Sink) error {
	mode := req.Mode
	if !mode.Valid() {
		mode = ModeFull
	}

	snap := e.snapshot()
	council := snap.Council(req.CouncilID)
	if council == nil {
		return fmt.Errorf("unknown council %q", req.CouncilID)
	}

	conv, err := e.store.Get(ctx, req.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	history := conv.Messages

	if err := e.store.AppendUser(ctx, req.ConversationID, req.Query); err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}

	usage := tokens.NewAggregator()

	if err := sink(Event{Type: EventExecutionMode, Payload: map[string]any{
		"mode":         string(mode),
		"force_direct": req.ForceDirect,
	}}); err != nil {
		return err
	}

	// Stage 0a.
	var classification Classification
	if req.ForceDirect {
		classification = Classification{Type: TypeChat, Reasoning: "forced direct response"}
	} else {
		if err := sink(Event{Type: EventClassificationStart, Payload: map[string]any{}}); err != nil {
			return err
		}
		classification = e.classify(ctx, req.Query, history)
		usage.Record("classification", classification.Usage)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !req.ForceDirect {
		if err := sink(Event{Type: EventClassificationComplete, Payload: map[string]any{
			"classification": string(classification.Type),
			"reasoning":      classification.Reasoning,
		}}); err != nil {
			return err
		}
	}

	if req.ForceDirect || classification.Direct() {
		return e.runDirect(ctx, req, history, usage, sink)
	}
	return e.runDeliberation(ctx, req, mode, council, history, usage, sink)
}

// runDirect answers from the chairman without convening the panel.
func (e *Engine) runDirect(ctx context.Context, req Request, history []Message, usage *tokens.Aggregator, sink Sink) error {
	if err := sink(Event{Type: EventDirectStart, Payload: map[string]any{"backend": e.chairman()}}); err != nil {
		return err
	}

	started := time.Now()
	result := e.directResponse(ctx, req.Query, history)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	usage.Record("direct", result.Usage)
	e.meter.ObserveStage("direct", time.Since(started), result.Usage.PromptTokens, result.Usage.CompletionTokens)

	if err := sink(Event{Type: EventStage3Complete, Payload: map[string]any{
		"backend":  result.Backend,
		"response": result.Response,
	}}); err != nil {
		return err
	}

	return e.finish(ctx, req, "direct", Message{
		Role:   "assistant",
		Stage3: &result,
	}, usage, sink)
}

// runDeliberation is the full panel path: route, collect, rank, synthesize.
func (e *Engine) runDeliberation(ctx context.Context, req Request, mode Mode, council *config.CouncilConfig, history []Message, usage *tokens.Aggregator, sink Sink) error {
	snap := e.snapshot()
	available := snap.Global.ModelIDs()
	temps := snap.Global.Deliberation.Temperatures

	// Stage 0b.
	if err := sink(Event{Type: EventRoutingStart, Payload: map[string]any{}}); err != nil {
		return err
	}
	panel, routingUsage := e.route(ctx, req.Query, council, available)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	usage.Record("routing", routingUsage)

	if len(panel) == 0 || len(panel) < council.Routing.MinAdvisors {
		e.meter.RecordError("panel_infeasible")
		sink(Event{Type: EventError, Payload: map[string]any{"message": ErrPanelInfeasible.Error()}})
		return ErrPanelInfeasible
	}

	panelPayload := make([]map[string]any, 0, len(panel))
	for _, m := range panel {
		panelPayload = append(panelPayload, map[string]any{
			"advisor_id": m.AdvisorID,
			"backend":    m.Backend,
			"role":       m.Role,
			"reasoning":  m.Reasoning,
		})
	}
	if err := sink(Event{Type: EventRoutingComplete, Payload: map[string]any{"panel": panelPayload}}); err != nil {
		return err
	}
	if err := sink(Event{Type: EventPanelConfirmed, Payload: map[string]any{"total": len(panel)}}); err != nil {
		return err
	}

	searchContext := ""
	if e.searcher != nil {
		if err := sink(Event{Type: EventSearchStart, Payload: map[string]any{"query": req.Query}}); err != nil {
			return err
		}
		result, err := e.searcher.Search(ctx, req.Query)
		if err != nil {
			logger.Warn("search hook failed", "error", err)
		} else {
			searchContext = result
		}
		if err := sink(Event{Type: EventSearchComplete, Payload: map[string]any{"found": searchContext != ""}}); err != nil {
			return err
		}
	}

	queue := newEventQueue(len(panel))
	style := snap.Global.Response.ResponseStyle

	// Stage 1.
	started := time.Now()
	var stage1Results []Stage1Result
	err := e.forward(ctx, queue, sink, func(emit emitFunc) {
		stage1Results = e.stage1(ctx, emit, req.Query, panel, history, temps.Stage1, style, searchContext)
	})
	if err != nil {
		return err
	}
	for _, r := range stage1Results {
		usage.Record("stage1", r.Usage)
	}
	s1 := usage.Breakdown().ByStage["stage1"]
	if s1 != nil {
		e.meter.ObserveStage("stage1", time.Since(started), s1.PromptTokens, s1.CompletionTokens)
	}

	if len(stage1Results) == 0 {
		e.meter.RecordError("no_stage1_survivors")
		sink(Event{Type: EventError, Payload: map[string]any{"message": ErrNoSurvivors.Error()}})
		return ErrNoSurvivors
	}

	completedBackends := make([]map[string]any, 0, len(stage1Results))
	for _, r := range stage1Results {
		completedBackends = append(completedBackends, map[string]any{"backend": r.Backend, "member_id": r.MemberID})
	}
	if err := sink(Event{Type: EventStage1Complete, Payload: map[string]any{"results": completedBackends}}); err != nil {
		return err
	}
	if err := e.emitUsage(sink, "stage1", usage); err != nil {
		return err
	}

	if mode == ModeChat {
		final := Stage3Result{
			Backend:  stage1Results[0].Backend,
			Response: stage1Results[0].Response,
		}
		if err := sink(Event{Type: EventStage3Complete, Payload: map[string]any{
			"backend":  final.Backend,
			"response": final.Response,
		}}); err != nil {
			return err
		}
		return e.finish(ctx, req, string(mode), Message{
			Role:   "assistant",
			Stage1: stage1Results,
			Stage3: &final,
			Panel:  panel,
		}, usage, sink)
	}

	// Stage 2.
	started = time.Now()
	var outcome *stage2Outcome
	err = e.forward(ctx, queue, sink, func(emit emitFunc) {
		outcome = e.stage2(ctx, emit, req.Query, stage1Results, panel, council, temps.Stage2, snap.Global.Deliberation.MaxRounds)
	})
	if err != nil {
		return err
	}
	for _, r := range outcome.Rankings {
		usage.Record("stage2", r.Usage)
	}
	s2 := usage.Breakdown().ByStage["stage2"]
	if s2 != nil {
		e.meter.ObserveStage("stage2", time.Since(started), s2.PromptTokens, s2.CompletionTokens)
	}

	if err := sink(Event{Type: EventStage2Complete, Payload: map[string]any{"total": len(outcome.Rankings)}}); err != nil {
		return err
	}
	if err := sink(Event{Type: EventAnalysis, Payload: map[string]any{"analysis": outcome.Analysis}}); err != nil {
		return err
	}
	if err := e.emitUsage(sink, "stage2", usage); err != nil {
		return err
	}

	if e.scores != nil && len(outcome.BackendScores) > 0 && outcome.Analysis.Top.Backend != "" {
		if err := e.scores.Record(req.CouncilID, outcome.BackendScores, outcome.Analysis.Top.Backend, outcome.RubricScores); err != nil {
			logger.Warn("leaderboard write failed", "council", req.CouncilID, "error", err)
		}
	}

	if mode == ModeRanked {
		final := e.promoteTop(stage1Results, outcome.Analysis)
		if err := sink(Event{Type: EventStage3Complete, Payload: map[string]any{
			"backend":  final.Backend,
			"response": final.Response,
		}}); err != nil {
			return err
		}
		return e.finish(ctx, req, string(mode), Message{
			Role:     "assistant",
			Stage1:   stage1Results,
			Stage2:   outcome.Rankings,
			Stage3:   &final,
			Analysis: outcome.Analysis,
			Panel:    panel,
		}, usage, sink)
	}

	// Stage 3.
	started = time.Now()
	var stage3Result Stage3Result
	err = e.forward(ctx, queue, sink, func(emit emitFunc) {
		stage3Result = e.stage3(ctx, emit, req.Query, stage1Results, outcome.Rankings, outcome.Analysis, history, temps.Stage3)
	})
	if err != nil {
		return err
	}
	usage.Record("stage3", stage3Result.Usage)
	e.meter.ObserveStage("stage3", time.Since(started), stage3Result.Usage.PromptTokens, stage3Result.Usage.CompletionTokens)
	if err := e.emitUsage(sink, "stage3", usage); err != nil {
		return err
	}

	return e.finish(ctx, req, string(mode), Message{
		Role:     "assistant",
		Stage1:   stage1Results,
		Stage2:   outcome.Rankings,
		Stage3:   &stage3Result,
		Analysis: outcome.Analysis,
		Panel:    panel,
	}, usage, sink)
}

// promoteTop returns the top-aggregate backend's Stage-1 response as the
// final answer in ranked mode.
func (e *Engine) promoteTop(stage1Results []Stage1Result, analysis *Analysis) Stage3Result {
	top := analysis.Top
	member := analysis.LabelToMember[top.Label]
	for _, r := range stage1Results {
		if (member.MemberID != "" && r.MemberID == member.MemberID) || r.Backend == top.Backend {
			return Stage3Result{Backend: r.Backend, Response: r.Response}
		}
	}
	return Stage3Result{
		Backend:  stage1Results[0].Backend,
		Response: stage1Results[0].Response,
	}
}

// forward runs a stage while draining its event queue to the sink. It
// polls with a 50 ms timeout so the client sees incremental progress even
// when tasks complete in bursts, and drains whatever remains once the
// stage returns.
func (e *Engine) forward(ctx context.Context, queue *eventQueue, sink Sink, stage func(emitFunc)) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		stage(queue.emitter(ctx))
	}()

	finished := false
	for {
		if ev, ok := queue.poll(); ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := sink(ev); err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			<-done
			return ctx.Err()
		}
		if finished {
			for _, ev := range queue.drain() {
				if err := sink(ev); err != nil {
					return err
				}
			}
			return nil
		}
		select {
		case <-done:
			finished = true
		default:
		}
	}
}

// emitUsage publishes the per-stage summary plus the running total.
func (e *Engine) emitUsage(sink Sink, stage string, usage *tokens.Aggregator) error {
	breakdown := usage.Breakdown()
	summary := breakdown.ByStage[stage]
	if summary == nil {
		summary = &tokens.StageSummary{}
	}
	return sink(Event{Type: EventUsageUpdate, Payload: map[string]any{
		"stage":         stage,
		"usage":         summary,
		"running_total": breakdown.Total,
	}})
}

// finish persists the assistant record, kicks off title generation, and
// emits done. A persistence failure is logged but the client still gets
// the full payload: the answer already streamed.
func (e *Engine) finish(ctx context.Context, req Request, mode string, record Message, usage *tokens.Aggregator, sink Sink) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	breakdown := usage.Breakdown()
	record.Usage = &breakdown

	if err := e.store.AppendAssistant(ctx, req.ConversationID, record); err != nil {
		e.meter.RecordError("persistence")
		logger.Error("assistant record persistence failed", "conversation", req.ConversationID, "error", err)
	} else if record.Stage3 != nil {
		// Title generation is off the critical path.
		titleCtx := context.WithoutCancel(ctx)
		go e.generateTitle(titleCtx, req.ConversationID, req.Query, record.Stage3.Response)
	}

	e.meter.RecordDeliberation(req.CouncilID, mode)

	return sink(Event{Type: EventDone, Payload: map[string]any{"usage": breakdown}})
}
