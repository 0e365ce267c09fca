package advisor

import (
	"context"

	"github.com/davidleathers/agent-exchange/internal/domain/bid"
	"github.com/davidleathers/agent-exchange/internal/domain/errors"
	"github.com/davidleathers/agent-exchange/internal/domain/task"
	"github.com/davidleathers/agent-exchange/internal/service/auction"
	"github.com/davidleathers/agent-exchange/internal/service/routing"
)

// Disabled is an advisor with no sidecar behind it. Every call reports the
// service unavailable, which callers handle the same way as a network
// failure: routing stages fall through, the quality filter fails open,
// archival keeps the raw transcript, and auctions rank on score alone.
type Disabled struct{}

func (Disabled) ValidateRoute(context.Context, string, string, routing.Entry) (bool, error) {
	return false, errDisabled()
}

func (Disabled) NormalizeIntent(context.Context, string, string) (*routing.NormalizedIntent, error) {
	return nil, errDisabled()
}

func (Disabled) PreScreen(context.Context, string, []routing.AgentInfo) ([]string, error) {
	return nil, errDisabled()
}

func (Disabled) Decompose(context.Context, string) ([]string, error) {
	return nil, errDisabled()
}

func (Disabled) JudgeTranscript(context.Context, string, string) (bool, error) {
	return false, errDisabled()
}

func (Disabled) Summarize(context.Context, string) (string, error) {
	return "", errDisabled()
}

func (Disabled) EvaluateTop(context.Context, *task.Task, []*bid.Bid) (*auction.Verdict, error) {
	return nil, errDisabled()
}

func errDisabled() error {
	return errors.NewExternalError("advisor", "advisor disabled")
}
