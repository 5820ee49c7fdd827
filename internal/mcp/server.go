// Package mcp exposes cliptile as a Model Context Protocol server so agents
// can segment transcripts and search stored clips as tools.
//
// Three tools are registered:
//   - "segment_transcript" segments a JSON, SRT or VTT transcript.
//   - "search_clips" runs a semantic search over stored clips.
//   - "get_run" loads a stored segmentation run.
//
// The server is served over Streamable HTTP via [Handler]:
//
//	mux.Handle("/mcp", mcp.Handler(a, version))
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/cliptile/internal/app"
	"github.com/MrWong99/cliptile/pkg/transcript"
)

// serverName is reported to MCP clients during initialization.
const serverName = "cliptile"

// SegmentInput is the argument of the segment_transcript tool.
type SegmentInput struct {
	Source     string `json:"source,omitempty" jsonschema:"name recorded with the run, such as the file name"`
	Format     string `json:"format,omitempty" jsonschema:"transcript format: json, srt or vtt (default json)"`
	Transcript string `json:"transcript" jsonschema:"the transcript file contents"`
	Store      *bool  `json:"store,omitempty" jsonschema:"persist the run for later search (default true)"`
}

// SearchInput is the argument of the search_clips tool.
type SearchInput struct {
	Query       string  `json:"query" jsonschema:"free-text description of the wanted clip"`
	K           int     `json:"k,omitempty" jsonschema:"number of hits to return (default 10, max 100)"`
	Source      string  `json:"source,omitempty" jsonschema:"only search clips from this source"`
	RunID       string  `json:"run_id,omitempty" jsonschema:"only search clips from this run"`
	MinDuration float64 `json:"min_duration,omitempty" jsonschema:"minimum clip length in seconds"`
	MaxDuration float64 `json:"max_duration,omitempty" jsonschema:"maximum clip length in seconds"`
}

// SearchOutput is the result of the search_clips tool.
type SearchOutput struct {
	Hits []app.Hit `json:"hits"`
}

// GetRunInput is the argument of the get_run tool.
type GetRunInput struct {
	ID string `json:"id" jsonschema:"run id returned by segment_transcript"`
}

// RunOutput is the result of the get_run tool. CreatedAt is RFC 3339.
type RunOutput struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	ModelID   string     `json:"model_id"`
	Duration  float64    `json:"duration"`
	CreatedAt string     `json:"created_at"`
	Clips     []app.Clip `json:"clips"`
}

// NewServer returns an MCP server whose tools call into a.
func NewServer(a *app.App, version string) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: version}, nil)
	t := tools{app: a}

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "segment_transcript",
		Description: "Split a transcript into topically coherent clips at several lengths. Returns clip time ranges and text.",
	}, t.segment)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "search_clips",
		Description: "Find stored clips whose content is closest to a free-text query.",
	}, t.search)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "get_run",
		Description: "Load a stored segmentation run with all of its clips.",
	}, t.getRun)
	return s
}

// Handler serves one shared MCP server over Streamable HTTP.
func Handler(a *app.App, version string) http.Handler {
	s := NewServer(a, version)
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s }, nil)
}

type tools struct {
	app *app.App
}

func (t tools) segment(ctx context.Context, _ *mcpsdk.CallToolRequest, in SegmentInput) (*mcpsdk.CallToolResult, app.Result, error) {
	format := transcript.Format(in.Format)
	if format == "" {
		format = transcript.FormatJSON
	}
	tr, err := transcript.Decode(strings.NewReader(in.Transcript), format)
	if err != nil {
		return nil, app.Result{}, err
	}
	source := in.Source
	if source == "" {
		source = "mcp." + string(format)
	}
	var opts []app.RunOption
	if in.Store != nil && !*in.Store {
		opts = append(opts, app.WithoutStore())
	}
	res, err := t.app.Segment(ctx, source, tr, opts...)
	if err != nil {
		return nil, app.Result{}, err
	}
	return nil, *res, nil
}

func (t tools) search(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchInput) (*mcpsdk.CallToolResult, SearchOutput, error) {
	q := app.SearchQuery{
		Text:        strings.TrimSpace(in.Query),
		TopK:        in.K,
		Source:      in.Source,
		MinDuration: in.MinDuration,
		MaxDuration: in.MaxDuration,
	}
	if in.RunID != "" {
		id, err := uuid.Parse(in.RunID)
		if err != nil {
			return nil, SearchOutput{}, fmt.Errorf("run_id: %w", err)
		}
		q.RunID = id
	}
	hits, err := t.app.Search(ctx, q)
	if err != nil {
		return nil, SearchOutput{}, err
	}
	if hits == nil {
		hits = []app.Hit{}
	}
	return nil, SearchOutput{Hits: hits}, nil
}

func (t tools) getRun(ctx context.Context, _ *mcpsdk.CallToolRequest, in GetRunInput) (*mcpsdk.CallToolResult, RunOutput, error) {
	id, err := uuid.Parse(in.ID)
	if err != nil {
		return nil, RunOutput{}, fmt.Errorf("id: %w", err)
	}
	run, err := t.app.GetRun(ctx, id)
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, RunOutput{
		ID:        run.ID,
		Source:    run.Source,
		ModelID:   run.ModelID,
		Duration:  run.Duration,
		CreatedAt: run.CreatedAt.Format(time.RFC3339),
		Clips:     run.Clips,
	}, nil
}
