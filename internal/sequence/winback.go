package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
	"github.com/campwatch/campwatch/internal/dispatch"
)

// WinbackDefinitionName identifies the shipped three-step win-back
// email sequence for families with no remaining session subscriptions.
const WinbackDefinitionName = "winback"

// FamilyStore supplies subscription state and contact details.
// *db.NotificationRepository satisfies this.
type FamilyStore interface {
	FamilySubscribed(ctx context.Context, familyID uuid.UUID) (bool, error)
	FamilyContact(ctx context.Context, familyID uuid.UUID) (*db.Subscriber, error)
}

// DispatchGuard is the per-step at-most-once guard layered inside the
// email actions. *db.SequenceRepository satisfies this.
type DispatchGuard interface {
	RecordStepDispatch(ctx context.Context, runID uuid.UUID, stepIndex int) error
}

type winbackEmail struct {
	subject string
	body    string
}

var winbackEmails = []winbackEmail{
	{
		subject: "We saved your spot watchers",
		body:    "You unsubscribed from your session alerts. Resubscribe any time and we'll pick up right where you left off.",
	},
	{
		subject: "Camps in your city are filling up",
		body:    "Sessions you used to follow are taking registrations now. Turn alerts back on to hear when spots run low.",
	},
	{
		subject: "Last note from us",
		body:    "This is the last reminder we'll send. If you'd like availability alerts again, resubscribe from your account page.",
	},
}

// NewWinbackDefinition builds the win-back sequence: step 1 sends
// immediately, step 2 after 3 days, step 3 after 7 more days. The run
// is abandoned the moment the family holds an active subscription
// again.
func NewWinbackDefinition(families FamilyStore, guard DispatchGuard, sender dispatch.Sender, logger *zap.Logger) Definition {
	delays := []time.Duration{0, 3 * 24 * time.Hour, 7 * 24 * time.Hour}
	names := []string{"winback-intro", "winback-reminder", "winback-final"}

	steps := make([]Step, len(winbackEmails))
	for i := range winbackEmails {
		steps[i] = Step{
			Name:   names[i],
			Delay:  delays[i],
			Action: winbackAction(i, families, guard, sender, logger),
		}
	}

	return Definition{
		Name:  WinbackDefinitionName,
		Steps: steps,
		Abandon: func(ctx context.Context, familyID uuid.UUID) (bool, error) {
			return families.FamilySubscribed(ctx, familyID)
		},
	}
}

// winbackAction sends one step's email. The guard row is written before
// the send, so a re-invoked action after a crash skips the send instead
// of emailing the family twice.
func winbackAction(step int, families FamilyStore, guard DispatchGuard, sender dispatch.Sender, logger *zap.Logger) Action {
	return func(ctx context.Context, run *db.SequenceRun, stepIndex int) error {
		err := guard.RecordStepDispatch(ctx, run.ID, stepIndex)
		if errors.Is(err, db.ErrAlreadyRecorded) {
			logger.Debug("winback step already dispatched, skipping send",
				zap.String("run_id", run.ID.String()),
				zap.Int("step", stepIndex),
			)
			return nil
		}
		if err != nil {
			return err
		}

		contact, err := families.FamilyContact(ctx, run.SubjectID)
		if err != nil {
			return fmt.Errorf("load family contact: %w", err)
		}

		payload, err := json.Marshal(dispatch.EmailPayload{
			Subject: winbackEmails[step].subject,
			Body:    winbackEmails[step].body,
		})
		if err != nil {
			return fmt.Errorf("marshal winback payload: %w", err)
		}

		msg := &dispatch.Message{
			ID:         uuid.New(),
			FamilyID:   run.SubjectID,
			Channel:    dispatch.ChannelEmail,
			Recipient:  contact.Email,
			TemplateID: winbackTemplate(stepIndex),
			Payload:    payload,
		}

		if _, err := sender.Send(ctx, msg); err != nil {
			// Guard row stands; at-most-once means this step's email is
			// accepted as missed rather than retried.
			logger.Warn("winback send failed after guard written",
				zap.Error(err),
				zap.String("run_id", run.ID.String()),
				zap.Int("step", stepIndex),
			)
		}

		return nil
	}
}

func winbackTemplate(step int) string {
	return fmt.Sprintf("winback_step_%d", step+1)
}
