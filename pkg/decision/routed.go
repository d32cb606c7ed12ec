package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/patrickpassosb/agent-market/pkg/app/core/engine"
	"github.com/patrickpassosb/agent-market/pkg/router"
	"github.com/patrickpassosb/agent-market/pkg/util"
)

// Invoker is the router surface a RoutedDecider needs
type Invoker interface {
	InvokeValid(ctx context.Context, tier string, payload []byte, accept func([]byte) error) ([]byte, router.Attempt, error)
}

// RoutedDecider asks the participant's tier through the router. A response
// that does not parse as an action fails over to the next candidate.
type RoutedDecider struct {
	inv Invoker
	log *zap.SugaredLogger
}

func NewRoutedDecider(inv Invoker, log *zap.SugaredLogger) *RoutedDecider {
	return &RoutedDecider{inv: inv, log: util.OrNop(log)}
}

func (d *RoutedDecider) Decide(ctx context.Context, req Request) (engine.Action, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode decision request: %w", err)
	}

	var action engine.Action
	_, att, err := d.inv.InvokeValid(ctx, req.Tier, payload, func(b []byte) error {
		a, err := ParseAction(b)
		if err != nil {
			d.log.Warnw("decision_unparseable",
				"participant", req.Participant,
				"tick", req.Tick,
				"err", err,
			)
			return err
		}
		action = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decide %s: %w", req.Participant, err)
	}
	if action == nil {
		return nil, fmt.Errorf("decide %s via %s: %w", req.Participant, att.Served, ErrInvalidDecision)
	}
	return action, nil
}
