//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-agent-dag/engine"
	"trpc.group/trpc-go/trpc-agent-dag/event"
	"trpc.group/trpc-go/trpc-agent-dag/executor"
	"trpc.group/trpc-go/trpc-agent-dag/graph"
	"trpc.group/trpc-go/trpc-agent-dag/graph/store/inmemory"
	"trpc.group/trpc-go/trpc-agent-dag/history"
	"trpc.group/trpc-go/trpc-agent-dag/server/debug/internal/schema"
)

type fixture struct {
	engine *engine.Engine
	server *httptest.Server
	graph  *graph.Graph
	lane   *graph.Lane
	ex     *engine.Exchange
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register(graph.NodeTypeAgentMessage, executor.Func(
		func(_ context.Context, _ *graph.Node, h []history.Entry) (*executor.Result, error) {
			if len(h) > 0 && h[len(h)-1].Content == "Hi" {
				return executor.Finished("Hello"), nil
			}
			return executor.Finished("?"), nil
		})))
	e, err := engine.New(inmemory.NewStore(), reg, engine.WithWorkerID("debug-test"))
	require.NoError(t, err)
	g, lane, err := e.CreateGraph(ctx, nil)
	require.NoError(t, err)
	ex, err := e.AppendUserMessage(ctx, g.ID, lane.ID, "Hi")
	require.NoError(t, err)
	e.Wait()

	srv := httptest.NewServer(New(e, opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = e.Close(ctx)
	})
	return &fixture{engine: e, server: srv, graph: g, lane: lane, ex: ex}
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)
	var h schema.Health
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", &h))
	assert.Equal(t, schema.Health{Status: "ok", WorkerID: "debug-test"}, h)
}

func TestServer_Graphs(t *testing.T) {
	f := newFixture(t)

	var all schema.GraphList
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/graphs", &all))
	assert.Equal(t, []string{f.graph.ID}, all.GraphIDs)

	var pending schema.GraphList
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/graphs?state=pending", &pending))
	assert.Empty(t, pending.GraphIDs)

	var bad schema.Error
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/graphs?state=sleeping", &bad))

	var detail schema.GraphDetail
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/graphs/"+f.graph.ID, &detail))
	assert.Equal(t, f.graph.ID, detail.Graph.ID)
	require.Len(t, detail.Lanes, 1)
	assert.Equal(t, graph.DefaultLaneName, detail.Lanes[0].Name)

	var missing schema.Error
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/graphs/"+graph.NewID(), &missing))
	assert.NotEmpty(t, missing.Error)
}

func TestServer_NodesEdgesEvents(t *testing.T) {
	f := newFixture(t)
	base := "/graphs/" + f.graph.ID

	var nodes []*graph.Node
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/nodes", &nodes))
	assert.Len(t, nodes, 2)

	var agents []*graph.Node
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/nodes?type=agent_message&state=finished", &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "Hello", agents[0].Payload.Output)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, base+"/nodes?type=robot", nil))

	var edges []*graph.Edge
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, base+"/edges", &edges))
	require.Len(t, edges, 1)
	assert.Equal(t, graph.EdgeTypeSequence, edges[0].Type)

	var events []*event.Event
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet,
		base+"/events?type=node_state_changed&node="+f.ex.Reply.ID, &events))
	assert.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, f.ex.Reply.ID, ev.SubjectNodeID)
	}

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/graphs/"+graph.NewID()+"/nodes", nil))
}

func TestServer_NodeAndContext(t *testing.T) {
	f := newFixture(t)

	var n graph.Node
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/nodes/"+f.ex.Reply.ID, &n))
	assert.Equal(t, graph.StateFinished, n.State)
	assert.Equal(t, "debug-test", n.ClaimedBy)

	var c schema.NodeContext
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/nodes/"+f.ex.Reply.ID+"/context?target=true", &c))
	require.Len(t, c.Entries, 2)
	assert.Equal(t, "user", c.Entries[0].Role)
	assert.Equal(t, "Hi", c.Entries[0].Content)
	assert.Equal(t, "Hello", c.Entries[1].Content)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet,
		"/nodes/"+f.ex.Reply.ID+"/context?max_turns=many", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nodes/"+graph.NewID(), nil))
}

func TestServer_Transcript(t *testing.T) {
	f := newFixture(t)
	path := "/graphs/" + f.graph.ID + "/lanes/" + f.lane.ID + "/transcript?limit=1"

	var tr schema.Transcript
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, path, &tr))
	require.Len(t, tr.Turns, 1)
	assert.False(t, tr.More)
	assert.Len(t, tr.Turns[0].Nodes, 2)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, path+"&after=x", nil))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet,
		"/graphs/"+f.graph.ID+"/lanes/"+graph.NewID()+"/transcript", nil))
}

func TestServer_Tick(t *testing.T) {
	f := newFixture(t)
	var res schema.TickResult
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/graphs/"+f.graph.ID+"/tick", &res))
	assert.Equal(t, f.graph.ID, res.GraphID)
	assert.False(t, res.Skipped)
	assert.Empty(t, res.Claimed)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/graphs/"+graph.NewID()+"/tick", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/graphs/"+f.graph.ID+"/tick", nil))
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/metrics", nil))

	g := newFixture(t, WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})))
	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/metrics", nil))
}

func TestServer_CORS(t *testing.T) {
	f := newFixture(t, WithAllowedOrigins("https://ops.example.com"))
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ops.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
