package routing

import (
	"context"
)

// Service is the cost-reduction layer that runs ahead of every auction. Each
// advisory stage is strictly optional: on error or timeout the planner falls
// through to the next stage, and in the worst case the caller simply runs a
// full auction.
type Service interface {
	// Plan runs the advisory stages for one submission and returns how the
	// utterance should enter the exchange.
	Plan(ctx context.Context, utterance, history string, candidates []AgentInfo) Plan

	// RecordRoute remembers an auction outcome so an equivalent utterance can
	// skip the next auction.
	RecordRoute(utterance, agentID, agentVersion string, confidence float64)

	// InvalidateAgent drops all cached routes to an agent after it fails.
	InvalidateAgent(agentID string)

	// Signature returns the routing signature for an utterance.
	Signature(utterance string) string

	// CacheSize reports the number of live cache entries.
	CacheSize() int
}

// Advisor answers the planner's judgement calls. Implementations consult an
// external model; every method must honor its context deadline.
type Advisor interface {
	// ValidateRoute judges whether a cached route still fits the query.
	ValidateRoute(ctx context.Context, query, history string, entry Entry) (bool, error)
	// NormalizeIntent repairs transcription artifacts and resolves references
	// against recent conversation history.
	NormalizeIntent(ctx context.Context, query, history string) (*NormalizedIntent, error)
	// PreScreen narrows a large candidate set to the likeliest few agent ids.
	PreScreen(ctx context.Context, query string, agents []AgentInfo) ([]string, error)
	// Decompose splits a compound utterance into independent sub-utterances.
	Decompose(ctx context.Context, query string) ([]string, error)
}

// AgentInfo is the slice of an agent record shown to advisors.
type AgentInfo struct {
	ID           string
	Categories   []string
	Capabilities []string
}

// NormalizedIntent is the advisor's rewrite verdict for one utterance.
type NormalizedIntent struct {
	Rewritten          string
	NeedsClarification bool
	Question           string
}

// Plan tells the submission pipeline how to proceed. Exactly one of the
// routes applies: Clarify, CachedAgentID, Parts, or a plain submission of
// Utterance (optionally narrowed to Candidates).
type Plan struct {
	// Clarify, when set, is a question to speak back; nothing is submitted.
	Clarify string

	// CachedAgentID, when set, routes directly to that agent with no auction.
	CachedAgentID string

	// Parts, when non-empty, are sub-utterances to submit as separate tasks.
	Parts []string

	// Utterance is the text to submit, possibly rewritten by normalization.
	Utterance string

	// RawTranscript preserves the original text when Utterance was rewritten.
	RawTranscript string

	// Candidates, when non-empty, restricts the auction to these agent ids.
	Candidates []string

	// CacheHit reports that a cached route existed, whether or not it was
	// ultimately used.
	CacheHit bool
}
