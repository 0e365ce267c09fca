package routing

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/davidleathers/agent-exchange/internal/infrastructure/config"
)

// skipRewritePatterns match utterances whose shape is already canonical:
// greetings, bare confirmations, explicit memory commands. Rewriting these
// wastes an advisor round-trip and occasionally mangles them.
var skipRewritePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(?:hi|hello|hey|yo|thanks|thank you|good (?:morning|afternoon|evening)|how are you)[.!?]*\s*$`),
	regexp.MustCompile(`(?i)^\s*(?:yes|no|yeah|yep|nope|sure|okay|ok)[.!?]*\s*$`),
	regexp.MustCompile(`(?i)^\s*remember (?:that|my)\b`),
}

// decomposeDenyPatterns keep routine composite-sounding requests whole. A
// daily brief reads like three requests but is one intent.
var decomposeDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:daily|morning|evening)\s+(?:brief|briefing|rundown|digest|summary)\b`),
	regexp.MustCompile(`(?i)\bcatch me up\b`),
}

const queryPrefixLen = 48

type service struct {
	advisor Advisor
	cache   *routeCache
	cfg     config.RoutingConfig
	logger  *zap.Logger

	now func() time.Time
}

// NewService creates the routing planner backed by the given advisor.
func NewService(advisor Advisor, cfg config.RoutingConfig, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{
		advisor: advisor,
		cache:   newRouteCache(time.Duration(cfg.CacheTTLMs) * time.Millisecond),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *service) Plan(ctx context.Context, utterance, history string, candidates []AgentInfo) Plan {
	plan := Plan{Utterance: utterance}

	if !skipRewrite(utterance) {
		if intent := s.normalizeIntent(ctx, utterance, history); intent != nil {
			if intent.NeedsClarification {
				question := strings.TrimSpace(intent.Question)
				if question == "" {
					question = "Could you say a bit more about what you need?"
				}
				return Plan{Clarify: question}
			}
			if rewritten := strings.TrimSpace(intent.Rewritten); rewritten != "" && rewritten != utterance {
				s.logger.Debug("utterance rewritten",
					zap.String("from", utterance),
					zap.String("to", rewritten))
				plan.Utterance = rewritten
				plan.RawTranscript = utterance
			}
		}
	}

	sig := Normalize(plan.Utterance)
	if entry, ok := s.cache.get(sig); ok {
		plan.CacheHit = true
		valid, decided := s.validateRoute(ctx, plan.Utterance, history, entry)
		switch {
		case valid:
			plan.CachedAgentID = entry.AgentID
			return plan
		case decided:
			// A firm "no" means the cache is stale for this signature.
			s.cache.invalidate(sig)
			s.logger.Debug("cached route rejected",
				zap.String("signature", sig),
				zap.String("agent_id", entry.AgentID))
		}
	}

	if len(candidates) >= s.cfg.PreScreenThreshold {
		plan.Candidates = s.preScreen(ctx, plan.Utterance, candidates)
	}

	if parts := s.decompose(ctx, plan.Utterance); len(parts) > 1 {
		plan.Parts = parts
		// The filter was judged against the compound utterance; sub-tasks
		// each get a full auction.
		plan.Candidates = nil
	}
	return plan
}

func (s *service) RecordRoute(utterance, agentID, agentVersion string, confidence float64) {
	sig := Normalize(utterance)
	if sig == "" || agentID == "" {
		return
	}
	s.cache.put(sig, Entry{
		AgentID:      agentID,
		AgentVersion: agentVersion,
		Confidence:   confidence,
		QueryPrefix:  truncate(utterance, queryPrefixLen),
		CachedAt:     s.now(),
	})
}

func (s *service) InvalidateAgent(agentID string) {
	if n := s.cache.invalidateAgent(agentID); n > 0 {
		s.logger.Info("routing cache invalidated for failing agent",
			zap.String("agent_id", agentID),
			zap.Int("entries", n))
	}
}

func (s *service) Signature(utterance string) string {
	return Normalize(utterance)
}

func (s *service) CacheSize() int {
	return s.cache.size()
}

// stageCtx bounds one advisor call. The parent context still applies, so
// shutdown cancels advisors mid-stage.
func (s *service) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(s.cfg.AdvisorTimeoutMs)*time.Millisecond)
}

func (s *service) normalizeIntent(ctx context.Context, query, history string) *NormalizedIntent {
	sctx, cancel := s.stageCtx(ctx)
	defer cancel()
	intent, err := s.advisor.NormalizeIntent(sctx, query, history)
	if err != nil {
		s.logger.Debug("intent normalization skipped", zap.Error(err))
		return nil
	}
	return intent
}

// validateRoute returns (valid, decided). decided is false when the advisor
// erred or timed out, in which case the entry is kept and the auction path
// is taken for this submission only.
func (s *service) validateRoute(ctx context.Context, query, history string, entry Entry) (bool, bool) {
	sctx, cancel := s.stageCtx(ctx)
	defer cancel()
	ok, err := s.advisor.ValidateRoute(sctx, query, history, entry)
	if err != nil {
		s.logger.Debug("route validation skipped", zap.Error(err))
		return false, false
	}
	return ok, true
}

func (s *service) preScreen(ctx context.Context, query string, candidates []AgentInfo) []string {
	sctx, cancel := s.stageCtx(ctx)
	defer cancel()
	ids, err := s.advisor.PreScreen(sctx, query, candidates)
	if err != nil {
		s.logger.Debug("pre-screen skipped", zap.Error(err))
		return nil
	}

	known := make(map[string]struct{}, len(candidates))
	for _, a := range candidates {
		known[a.ID] = struct{}{}
	}
	out := make([]string, 0, s.cfg.PreScreenMax)
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			continue
		}
		delete(known, id)
		out = append(out, id)
		if len(out) == s.cfg.PreScreenMax {
			break
		}
	}
	// An empty filter would exclude everyone; fall back to the full field.
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *service) decompose(ctx context.Context, query string) []string {
	if len(strings.Fields(query)) < s.cfg.DecomposeMinWords || decomposeDenied(query) {
		return nil
	}
	sctx, cancel := s.stageCtx(ctx)
	defer cancel()
	parts, err := s.advisor.Decompose(sctx, query)
	if err != nil {
		s.logger.Debug("decomposition skipped", zap.Error(err))
		return nil
	}
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) < 2 {
		return nil
	}
	return cleaned
}

func skipRewrite(utterance string) bool {
	for _, p := range skipRewritePatterns {
		if p.MatchString(utterance) {
			return true
		}
	}
	return false
}

func decomposeDenied(utterance string) bool {
	for _, p := range decomposeDenyPatterns {
		if p.MatchString(utterance) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
