//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package compress

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/model"
)

const (
	// DefaultKeepTurns is the number of recent turns auto compaction leaves alone.
	DefaultKeepTurns = 4
	// DefaultTurnThreshold is the closed-turn count that triggers auto compaction.
	DefaultTurnThreshold = 12

	defaultSummaryInstruction = "Summarize the conversation below so it can replace it as context. " +
		"Keep facts, decisions and open questions. Reply with the summary only."
)

// Stats describes a lane when deciding whether to compact it.
type Stats struct {
	// Turns is the number of turns of the lane.
	Turns int
	// ClosedTurns is the number of turns whose nodes are all settled.
	ClosedTurns int
	// ActiveNodes is the number of non-compressed nodes of the lane.
	ActiveNodes int
}

// Checker decides whether a lane should be compacted.
type Checker func(Stats) bool

// CheckTurnThreshold triggers once more than n turns are closed.
func CheckTurnThreshold(n int) Checker {
	return func(s Stats) bool { return s.ClosedTurns > n }
}

// CheckNodeThreshold triggers once the lane holds more than n active nodes.
func CheckNodeThreshold(n int) Checker {
	return func(s Stats) bool { return s.ActiveNodes > n }
}

// ChecksAll triggers when every checker does.
func ChecksAll(checks ...Checker) Checker {
	return func(s Stats) bool {
		for _, c := range checks {
			if !c(s) {
				return false
			}
		}
		return len(checks) > 0
	}
}

// ChecksAny triggers when one checker does.
func ChecksAny(checks ...Checker) Checker {
	return func(s Stats) bool {
		for _, c := range checks {
			if c(s) {
				return true
			}
		}
		return false
	}
}

// Summarizer condenses transcript entries into summary content.
type Summarizer interface {
	Summarize(ctx context.Context, entries []history.Entry) (string, error)
}

// ModelSummarizer summarizes with a language model.
type ModelSummarizer struct {
	model       model.Model
	instruction string
}

// SummarizerOption configures a ModelSummarizer.
type SummarizerOption func(*ModelSummarizer)

// WithSummaryInstruction replaces the default summary instruction.
func WithSummaryInstruction(instruction string) SummarizerOption {
	return func(s *ModelSummarizer) {
		s.instruction = instruction
	}
}

// NewModelSummarizer creates a summarizer over m.
func NewModelSummarizer(m model.Model, opts ...SummarizerOption) *ModelSummarizer {
	s := &ModelSummarizer{model: m, instruction: defaultSummaryInstruction}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize implements Summarizer.
func (s *ModelSummarizer) Summarize(ctx context.Context, entries []history.Entry) (string, error) {
	messages := append([]model.Message{model.NewSystemMessage(s.instruction)}, history.Messages(entries)...)
	text, _, err := model.Generate(ctx, s.model, &model.Request{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("compress: summarize: %w", err)
	}
	return text, nil
}

// Plan is a compaction candidate.
type Plan struct {
	GraphID string
	LaneID  string
	NodeIDs []string
	Entries []history.Entry
	Stats   Stats
}

type plannerOptions struct {
	keepTurns int
	checker   Checker
}

// PlannerOption configures a Planner.
type PlannerOption func(*plannerOptions)

// WithKeepTurns sets how many recent turns are never compacted.
func WithKeepTurns(n int) PlannerOption {
	return func(o *plannerOptions) {
		o.keepTurns = n
	}
}

// WithChecker sets the trigger of auto compaction.
func WithChecker(c Checker) PlannerOption {
	return func(o *plannerOptions) {
		o.checker = c
	}
}

// Planner compacts the oldest closed turns of a lane.
type Planner struct {
	store      graph.Store
	compressor *Compressor
	summarizer Summarizer
	opts       plannerOptions
}

// NewPlanner creates a Planner.
func NewPlanner(store graph.Store, compressor *Compressor, summarizer Summarizer, opts ...PlannerOption) *Planner {
	o := plannerOptions{keepTurns: DefaultKeepTurns, checker: CheckTurnThreshold(DefaultTurnThreshold)}
	for _, opt := range opts {
		opt(&o)
	}
	return &Planner{store: store, compressor: compressor, summarizer: summarizer, opts: o}
}

// Plan selects the nodes of the oldest closed turns of a lane beyond the keep
// window, together with a summary node directly preceding them. It returns nil
// when the checker does not trigger or nothing qualifies.
func (p *Planner) Plan(ctx context.Context, graphID, laneID string) (*Plan, error) {
	var plan *Plan
	err := graph.View(ctx, p.store, func(r graph.Reader) error {
		ix, err := graph.LoadIndex(ctx, r, graphID)
		if err != nil {
			return err
		}
		turns, err := r.ListTurns(ctx, graphID, laneID)
		if err != nil {
			return err
		}
		seqs := make(map[string]int64, len(turns))
		for _, t := range turns {
			seqs[t.ID] = t.Seq
		}
		plan = p.plan(ix, turns, seqs, laneID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compress: plan graph %s: %w", graphID, err)
	}
	return plan, nil
}

func (p *Planner) plan(ix *graph.Index, turns []*graph.Turn, seqs map[string]int64, laneID string) *Plan {
	byTurn := make(map[string][]*graph.Node)
	stats := Stats{}
	for _, n := range ix.ActiveNodes() {
		if n.LaneID != laneID {
			continue
		}
		stats.ActiveNodes++
		byTurn[n.TurnID] = append(byTurn[n.TurnID], n)
	}
	// Turns compacted before hold no active node and are not counted again.
	var live []*graph.Turn
	for _, t := range turns {
		if len(byTurn[t.ID]) > 0 {
			live = append(live, t)
		}
	}
	stats.Turns = len(live)
	// Closed turns form a prefix: compaction never skips over unsettled work.
	for _, t := range live {
		if !settled(byTurn[t.ID]) {
			break
		}
		stats.ClosedTurns++
	}
	if !p.opts.checker(stats) {
		return nil
	}
	limit := len(live) - p.opts.keepTurns
	if limit > stats.ClosedTurns {
		limit = stats.ClosedTurns
	}
	if limit <= 0 {
		return nil
	}

	members := make(map[string]bool)
	var ids []string
	for _, t := range live[:limit] {
		for _, n := range byTurn[t.ID] {
			members[n.ID] = true
			ids = append(ids, n.ID)
		}
	}
	// Fold in summaries feeding the region so repeated compaction keeps one.
	for _, n := range byTurn[""] {
		if n.Type != graph.NodeTypeSummary {
			continue
		}
		for _, e := range ix.ActiveOutgoing(n.ID) {
			if members[e.ToNodeID] {
				ids = append(ids, n.ID)
				break
			}
		}
	}
	return &Plan{
		GraphID: ix.GraphID(),
		LaneID:  laneID,
		NodeIDs: ids,
		Entries: history.Select(ix, seqs, ids, history.WithErrored(true)),
		Stats:   stats,
	}
}

func settled(nodes []*graph.Node) bool {
	for _, n := range nodes {
		if !n.State.Terminal() {
			return false
		}
	}
	return true
}

// Compact plans, summarizes and compresses a lane. It returns nil without error
// when there is nothing to compact.
func (p *Planner) Compact(ctx context.Context, graphID, laneID string) (*graph.Node, error) {
	plan, err := p.Plan(ctx, graphID, laneID)
	if err != nil || plan == nil {
		return nil, err
	}
	content, err := p.summarizer.Summarize(ctx, plan.Entries)
	if err != nil {
		return nil, err
	}
	summary, err := p.compressor.Compress(ctx, graphID, plan.NodeIDs, content, map[string]any{
		"auto":         true,
		"closed_turns": plan.Stats.ClosedTurns,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("compress: lane %s of graph %s compacted into %s", laneID, graphID, summary.ID)
	return summary, nil
}
