// Package sequence walks a campaign's ordered steps for one recipient,
// evaluating trigger conditions against an accumulating context and
// following named branches.
package sequence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/avilov-dev/dmpilot/internal/campaign"
	"github.com/avilov-dev/dmpilot/internal/sender"
	"github.com/avilov-dev/dmpilot/pkg/logx"
	"github.com/avilov-dev/dmpilot/pkg/metrics"
)

type Store interface {
	ListSteps(ctx context.Context, campaignID int64) ([]campaign.Step, error)
	GetRecipient(ctx context.Context, id int64) (campaign.Recipient, error)
}

type Interpreter struct {
	store  Store
	sender sender.Sender

	// sleep is a ctx-aware delay, replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewInterpreter(st Store, snd sender.Sender) *Interpreter {
	return &Interpreter{
		store:  st,
		sender: snd,
		sleep:  sleepCtx,
	}
}

// Run executes the step sequence for one (campaign, recipient) pair and
// returns the ordered per-step outcomes. The sequence ends cleanly when no
// next step is resolvable; a dangling branch target is not an error.
func (it *Interpreter) Run(ctx context.Context, campaignID, recipientID int64) ([]campaign.StepOutcome, error) {
	steps, err := it.store.ListSteps(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, nil
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })

	byOrder := make(map[int]int, len(steps))
	for i, s := range steps {
		byOrder[s.StepOrder] = i
	}

	rec, err := it.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}

	execCtx := map[string]any{}
	outcomes := make([]campaign.StepOutcome, 0, len(steps))

	cur := 0
	for {
		step := steps[cur]
		out := campaign.StepOutcome{StepID: step.ID, StepOrder: step.StepOrder}

		var nextOrder *int
		if step.Condition != nil {
			match, cerr := Evaluate(step.Condition, execCtx)
			if cerr != nil {
				logx.L().Warnw("trigger_condition_error",
					"campaign_id", campaignID, "step_order", step.StepOrder, "error", cerr)
			}
			if !match {
				out.BranchTaken = campaign.BranchFalse
				nextOrder = it.resolveBranch(step, campaign.BranchFalse, byOrder)
				out.NextStepOrder = nextOrder
				execCtx["last_step_executed"] = step.StepOrder
				outcomes = append(outcomes, out)
				metrics.SequenceStepsTotal.WithLabelValues(out.BranchTaken).Inc()
				if cur = it.advance(nextOrder, byOrder); cur < 0 {
					return outcomes, nil
				}
				if err := it.delayFor(ctx, steps[cur]); err != nil {
					return outcomes, err
				}
				continue
			}
		}

		sendErr := it.sender.SendDM(ctx, rec.ExternalID, step.Message, step.MediaURL)
		execCtx["last_step_executed"] = step.StepOrder
		if sendErr != nil {
			execCtx["last_error"] = sendErr.Error()
			out.BranchTaken = campaign.BranchError
			out.Error = sendErr.Error()
			nextOrder = it.resolveBranch(step, campaign.BranchError, byOrder)
		} else {
			out.Success = true
			out.BranchTaken = campaign.BranchDefault
			if step.Condition != nil {
				nextOrder = it.resolveBranch(step, campaign.BranchDefault, byOrder)
			} else if cur+1 < len(steps) {
				o := steps[cur+1].StepOrder
				nextOrder = &o
			}
		}
		out.NextStepOrder = nextOrder
		outcomes = append(outcomes, out)
		metrics.SequenceStepsTotal.WithLabelValues(out.BranchTaken).Inc()

		if cur = it.advance(nextOrder, byOrder); cur < 0 {
			return outcomes, nil
		}
		if err := it.delayFor(ctx, steps[cur]); err != nil {
			return outcomes, err
		}
	}
}

// resolveBranch returns the branch target only when it points at an existing
// step; a missing entry or a dangling target means "sequence ends".
func (it *Interpreter) resolveBranch(step campaign.Step, branch string, byOrder map[int]int) *int {
	if step.Condition == nil {
		return nil
	}
	target, ok := step.Condition.Branches[branch]
	if !ok {
		return nil
	}
	if _, exists := byOrder[target]; !exists {
		return nil
	}
	return &target
}

func (it *Interpreter) advance(order *int, byOrder map[int]int) int {
	if order == nil {
		return -1
	}
	idx, ok := byOrder[*order]
	if !ok {
		return -1
	}
	return idx
}

// delayFor honors the delay declared by the step we just advanced to.
func (it *Interpreter) delayFor(ctx context.Context, step campaign.Step) error {
	if step.DelayHours <= 0 {
		return nil
	}
	return it.sleep(ctx, time.Duration(step.DelayHours)*time.Hour)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
