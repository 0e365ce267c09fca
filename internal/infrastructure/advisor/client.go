// Package advisor is the HTTP client for the language-model sidecar that
// backs the optimizer stages, the transcript judge, the session summarizer,
// and the master evaluator. Every call is advisory: callers treat errors as
// "no opinion" and fall through, so this client never retries.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/service/auction"
	"github.com/davidleathers/agent-exchange/internal/service/routing"
)

const maxResponseBytes = 1 << 20

// Client talks to the advisor sidecar. The zero value is not usable; build
// it with New.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

// New creates an advisor client for the sidecar at endpoint. Per-call
// deadlines come from the caller's context; the transport timeout is only a
// backstop against contexts without one.
func New(endpoint string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type validateRouteRequest struct {
	Query            string  `json:"query"`
	History          string  `json:"history,omitempty"`
	CachedAgentID    string  `json:"cached_agent_id"`
	CachedConfidence float64 `json:"cached_confidence"`
	QueryPrefix      string  `json:"query_prefix,omitempty"`
}

type validateRouteResponse struct {
	Valid bool `json:"valid"`
}

// ValidateRoute asks whether a cached route still fits the query.
func (c *Client) ValidateRoute(ctx context.Context, query, history string, entry routing.Entry) (bool, error) {
	var out validateRouteResponse
	err := c.post(ctx, "/v1/route/validate", validateRouteRequest{
		Query:            query,
		History:          history,
		CachedAgentID:    entry.AgentID,
		CachedConfidence: entry.Confidence,
		QueryPrefix:      entry.QueryPrefix,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

type normalizeIntentRequest struct {
	Query   string `json:"query"`
	History string `json:"history,omitempty"`
}

type normalizeIntentResponse struct {
	Rewritten          string `json:"rewritten"`
	NeedsClarification bool   `json:"needs_clarification"`
	Question           string `json:"question,omitempty"`
}

// NormalizeIntent resolves pronouns and ellipsis against the history.
func (c *Client) NormalizeIntent(ctx context.Context, query, history string) (*routing.NormalizedIntent, error) {
	var out normalizeIntentResponse
	if err := c.post(ctx, "/v1/intent/normalize", normalizeIntentRequest{
		Query:   query,
		History: history,
	}, &out); err != nil {
		return nil, err
	}
	return &routing.NormalizedIntent{
		Rewritten:          out.Rewritten,
		NeedsClarification: out.NeedsClarification,
		Question:           out.Question,
	}, nil
}

type preScreenRequest struct {
	Query  string           `json:"query"`
	Agents []preScreenAgent `json:"agents"`
}

type preScreenAgent struct {
	ID           string   `json:"id"`
	Categories   []string `json:"categories,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type preScreenResponse struct {
	AgentIDs []string `json:"agent_ids"`
}

// PreScreen narrows a wide candidate field to the likeliest few.
func (c *Client) PreScreen(ctx context.Context, query string, agents []routing.AgentInfo) ([]string, error) {
	req := preScreenRequest{Query: query, Agents: make([]preScreenAgent, 0, len(agents))}
	for _, a := range agents {
		req.Agents = append(req.Agents, preScreenAgent{
			ID:           a.ID,
			Categories:   a.Categories,
			Capabilities: a.Capabilities,
		})
	}
	var out preScreenResponse
	if err := c.post(ctx, "/v1/route/prescreen", req, &out); err != nil {
		return nil, err
	}
	return out.AgentIDs, nil
}

type decomposeRequest struct {
	Query string `json:"query"`
}

type decomposeResponse struct {
	Parts []string `json:"parts"`
}

// Decompose splits a compound utterance into independent tasks.
func (c *Client) Decompose(ctx context.Context, query string) ([]string, error) {
	var out decomposeResponse
	if err := c.post(ctx, "/v1/task/decompose", decomposeRequest{Query: query}, &out); err != nil {
		return nil, err
	}
	return out.Parts, nil
}

type judgeTranscriptRequest struct {
	Text    string `json:"text"`
	History string `json:"history,omitempty"`
}

type judgeTranscriptResponse struct {
	Coherent bool `json:"coherent"`
}

// JudgeTranscript decides whether an ambiguous transcript is a real request.
func (c *Client) JudgeTranscript(ctx context.Context, text, history string) (bool, error) {
	var out judgeTranscriptResponse
	if err := c.post(ctx, "/v1/transcript/judge", judgeTranscriptRequest{
		Text:    text,
		History: history,
	}, &out); err != nil {
		return false, err
	}
	return out.Coherent, nil
}

type summarizeRequest struct {
	Transcript string `json:"transcript"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// Summarize condenses an idle session transcript before archival.
func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	var out summarizeResponse
	if err := c.post(ctx, "/v1/conversation/summarize", summarizeRequest{Transcript: transcript}, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

type evaluateRequest struct {
	TaskContent string        `json:"task_content"`
	Bids        []evaluateBid `json:"bids"`
}

type evaluateBid struct {
	AgentID    string  `json:"agent_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

type evaluateResponse struct {
	Order     []string `json:"order"`
	Reasoning string   `json:"reasoning,omitempty"`
}

// EvaluateTop lets the sidecar reorder the top-ranked bids.
func (c *Client) EvaluateTop(ctx context.Context, t *task.Task, top []*bid.Bid) (*auction.Verdict, error) {
	req := evaluateRequest{TaskContent: t.Content, Bids: make([]evaluateBid, 0, len(top))}
	for _, b := range top {
		req.Bids = append(req.Bids, evaluateBid{
			AgentID:    b.AgentID,
			Confidence: b.Confidence,
			Reasoning:  b.Reasoning,
		})
	}
	var out evaluateResponse
	if err := c.post(ctx, "/v1/auction/evaluate", req, &out); err != nil {
		return nil, err
	}
	return &auction.Verdict{Order: out.Order, Reasoning: out.Reasoning}, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.NewInternalError("encoding advisor request").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return errors.NewInternalError("building advisor request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewExternalError("advisor", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return errors.NewExternalError("advisor",
			fmt.Sprintf("%s returned status %d", path, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.NewExternalError("advisor", "reading response").WithCause(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewExternalError("advisor", "malformed response").WithCause(err)
	}
	return nil
}
