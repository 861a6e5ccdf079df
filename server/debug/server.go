//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package debug provides an HTTP server for inspecting conversation graphs.
//
// Every route but the manual tick is read-only. The server is meant for
// operators and local development, not as a public API.
package debug

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-agent-dag/engine"
	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	"trpc.group/trpc-go/trpc-agent-dag/log"
	"trpc.group/trpc-go/trpc-agent-dag/server/debug/internal/schema"
)

// Server exposes the engine's graphs over HTTP.
type Server struct {
	engine  *engine.Engine
	router  *mux.Router
	metrics http.Handler
	origins []string
}

// Option configures the Server instance.
type Option func(*Server)

// WithMetricsHandler serves h on /metrics, typically a Prometheus scrape handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithAllowedOrigins restricts CORS to the given origins. Defaults to any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// New creates a debug server over e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine:  e,
		router:  mux.NewRouter(),
		origins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/graphs", s.handleListGraphs).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graphId}", s.handleGetGraph).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graphId}/nodes", s.handleListNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graphId}/edges", s.handleListEdges).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graphId}/events", s.handleListEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graphId}/lanes/{laneId}/transcript",
		s.handleTranscript).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graphId}/tick", s.handleTick).Methods(http.MethodPost)

	s.router.HandleFunc("/nodes/{nodeId}", s.handleGetNode).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/{nodeId}/context", s.handleNodeContext).Methods(http.MethodGet)

	// OPTIONS handler to allow CORS pre-flight.
	s.router.HandleFunc("/graphs/{graphId}/tick", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodOptions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, schema.Health{Status: "ok", WorkerID: s.engine.WorkerID()})
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	states, err := nodeStates(r.URL.Query()["state"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var ids []string
	err = graph.View(r.Context(), s.engine.Store(), func(rd graph.Reader) error {
		var err error
		ids, err = rd.ListGraphIDs(r.Context(), states...)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, schema.GraphList{GraphIDs: ids})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	graphID := mux.Vars(r)["graphId"]
	var detail schema.GraphDetail
	err := graph.View(r.Context(), s.engine.Store(), func(rd graph.Reader) error {
		g, err := rd.GetGraph(r.Context(), graphID)
		if err != nil {
			return err
		}
		lanes, err := rd.ListLanes(r.Context(), graphID)
		if err != nil {
			return err
		}
		detail = schema.GraphDetail{Graph: g, Lanes: lanes}
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	states, err := nodeStates(q["state"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	filter := graph.NodeFilter{
		GraphID:           mux.Vars(r)["graphId"],
		States:            states,
		LaneID:            q.Get("lane"),
		TurnID:            q.Get("turn"),
		IncludeCompressed: q.Get("compressed") == "true",
	}
	for _, t := range q["type"] {
		typ := graph.NodeType(t)
		if !typ.Valid() {
			s.writeError(w, http.StatusBadRequest, graph.ErrInvalidNodeType)
			return
		}
		filter.Types = append(filter.Types, typ)
	}
	var nodes []*graph.Node
	err = s.read(r, filter.GraphID, func(rd graph.Reader) error {
		var err error
		nodes, err = rd.ListNodes(r.Context(), filter)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if nodes == nil {
		nodes = []*graph.Node{}
	}
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	filter := graph.EdgeFilter{
		GraphID:           mux.Vars(r)["graphId"],
		IncludeCompressed: r.URL.Query().Get("compressed") == "true",
	}
	var edges []*graph.Edge
	err := s.read(r, filter.GraphID, func(rd graph.Reader) error {
		var err error
		edges, err = rd.ListEdges(r.Context(), filter)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if edges == nil {
		edges = []*graph.Edge{}
	}
	s.writeJSON(w, http.StatusOK, edges)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := graph.EventFilter{GraphID: mux.Vars(r)["graphId"], SubjectNodeID: q.Get("node")}
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, event.Type(t))
	}
	var events []*event.Event
	err := s.read(r, filter.GraphID, func(rd graph.Reader) error {
		var err error
		events, err = rd.ListEvents(r.Context(), filter)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	page, err := pageOf(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	tr, err := s.engine.Transcript(r.Context(), vars["graphId"], vars["laneId"], page)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := schema.Transcript{
		GraphID:   tr.GraphID,
		LaneID:    tr.LaneID,
		Turns:     make([]schema.Turn, 0, len(tr.Turns)),
		Summaries: tr.Summaries,
		NextSeq:   tr.NextSeq,
		More:      tr.More,
	}
	for _, t := range tr.Turns {
		out.Turns = append(out.Turns, schema.Turn{Turn: t.Turn, Nodes: t.Nodes})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	graphID := mux.Vars(r)["graphId"]
	if err := s.read(r, graphID, func(graph.Reader) error { return nil }); err != nil {
		s.fail(w, err)
		return
	}
	log.Infof("debug: manual tick of graph %s", graphID)
	res, err := s.engine.Tick(r.Context(), graphID)
	out := schema.TickResult{GraphID: graphID}
	if res != nil {
		out.Skipped = res.Skipped
		out.Propagated = nodeIDs(res.Propagated)
		out.Reclaimed = nodeIDs(res.Reclaimed)
		out.Claimed = nodeIDs(res.Claimed)
		out.Dispatched = res.Dispatched
	}
	status := http.StatusOK
	if err != nil {
		out.Error = err.Error()
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, out)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	var n *graph.Node
	err := graph.View(r.Context(), s.engine.Store(), func(rd graph.Reader) error {
		var err error
		n, err = rd.GetNode(r.Context(), nodeID)
		return err
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleNodeContext(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	q := r.URL.Query()
	opts := []history.Option{
		history.WithErrored(q.Get("errored") == "true"),
		history.WithIncludeTarget(q.Get("target") == "true"),
	}
	if v := q.Get("max_turns"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		opts = append(opts, history.WithMaxTurns(n))
	}
	entries, err := s.engine.ContextFor(r.Context(), nodeID, opts...)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := schema.NodeContext{NodeID: nodeID, Entries: make([]schema.ContextEntry, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, schema.ContextEntry{
			NodeID:   e.NodeID,
			NodeType: string(e.NodeType),
			Role:     string(e.Role),
			Name:     e.Name,
			Content:  e.Content,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// read runs fn after checking that the graph exists, so unknown graphs are
// reported as such rather than as empty lists.
func (s *Server) read(r *http.Request, graphID string, fn func(graph.Reader) error) error {
	return graph.View(r.Context(), s.engine.Store(), func(rd graph.Reader) error {
		if _, err := rd.GetGraph(r.Context(), graphID); err != nil {
			return err
		}
		return fn(rd)
	})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, graph.ErrGraphNotFound), errors.Is(err, graph.ErrLaneNotFound),
		errors.Is(err, graph.ErrNodeNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, graph.ErrCrossGraph):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		log.Errorf("debug: %v", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, schema.Error{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nodeStates(values []string) ([]graph.NodeState, error) {
	var states []graph.NodeState
	for _, v := range values {
		st := graph.NodeState(v)
		if !st.Valid() {
			return nil, graph.ErrInvalidNodeState
		}
		states = append(states, st)
	}
	return states, nil
}

func pageOf(r *http.Request) (engine.Page, error) {
	var (
		page engine.Page
		err  error
	)
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		if page.AfterSeq, err = strconv.ParseInt(v, 10, 64); err != nil {
			return page, err
		}
	}
	if v := q.Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil {
			return page, err
		}
	}
	return page, nil
}

func nodeIDs(nodes []*graph.Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
