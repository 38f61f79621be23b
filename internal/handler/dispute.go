package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
)

const (
	EventDisputeOpened  = "dispute.opened"
	EventDisputeUpdated = "dispute.updated"
	EventDisputeClosed  = "dispute.closed"
)

const (
	DisputeNeedsResponse = "needs_response"
	DisputeUnderReview   = "under_review"
	DisputeWon           = "won"
	DisputeLost          = "lost"
)

// disputeStateKey records a dispute's last applied status in the
// subscription metadata, keyed by provider dispute ID.
func disputeStateKey(disputeID string) string { return "dispute:" + disputeID }

// Dispute records dispute terms and raises operator alerts. Status
// transitions are idempotent: re-applying the state already recorded for a
// dispute is a no-op.
type Dispute struct {
	// AlertWindow is how close the evidence deadline may get before the
	// dispute warrants a high-severity alert.
	AlertWindow time.Duration
}

func NewDispute(alertWindow time.Duration) *Dispute {
	if alertWindow <= 0 {
		alertWindow = 72 * time.Hour
	}
	return &Dispute{AlertWindow: alertWindow}
}

func (h *Dispute) Name() string { return "dispute" }

func (h *Dispute) Handle(snap *subscription.Snapshot, ev Event, now time.Time) (Result, error) {
	payload, err := decode[DisputePayload](ev)
	if err != nil {
		return Result{}, err
	}
	disputeID := strings.TrimSpace(payload.DisputeID)
	if disputeID == "" {
		return Result{}, Permanent(errMissingDisputeID)
	}
	status := strings.TrimSpace(payload.Status)
	switch status {
	case DisputeNeedsResponse, DisputeUnderReview, DisputeWon, DisputeLost:
	default:
		return Result{}, Permanent(fmt.Errorf("%w: %q", errUnknownDispute, payload.Status))
	}

	// Idempotent re-application: same dispute, same status, nothing to do.
	if snap != nil && snap.Metadata != nil {
		if recorded, ok := snap.Metadata[disputeStateKey(disputeID)].(string); ok && recorded == status {
			return Result{}, nil
		}
	}

	result := Result{}
	if snap != nil {
		result.Change = &subscription.Change{
			UserID:                 snap.UserID,
			ExternalSubscriptionID: snap.ExternalSubscriptionID,
			ExternalCustomerID:     snap.ExternalCustomerID,
			PriceReference:         snap.PriceReference,
			Status:                 snap.Status,
			CurrentPeriodStart:     snap.CurrentPeriodStart,
			CurrentPeriodEnd:       snap.CurrentPeriodEnd,
			CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
			TrialStart:             snap.TrialStart,
			TrialEnd:               snap.TrialEnd,
			EventTime:              ev.OccurredAt,
			Metadata: map[string]any{
				disputeStateKey(disputeID): status,
			},
			// Disputes order on their own timeline; an older provider
			// timestamp must not lose this record, its alert, or its
			// evidence follow-up to last-writer-wins.
			MetadataOnly: true,
		}
	}

	alertMeta := map[string]any{
		"dispute_id": disputeID,
		"amount":     payload.Amount,
		"currency":   payload.Currency,
		"reason":     payload.Reason,
		"status":     status,
	}

	switch status {
	case DisputeNeedsResponse:
		severity := SeverityMedium
		message := fmt.Sprintf("Dispute %s opened (%d %s): response required.", disputeID, payload.Amount, payload.Currency)
		if payload.EvidenceDueBy != nil {
			alertMeta["evidence_due_by"] = payload.EvidenceDueBy.Format(time.RFC3339)
			if payload.EvidenceDueBy.Sub(now) <= h.AlertWindow {
				severity = SeverityHigh
				message = fmt.Sprintf("Dispute %s evidence due by %s: submit evidence now.",
					disputeID, payload.EvidenceDueBy.Format(time.RFC3339))
				result.FollowUps = append(result.FollowUps, FollowUpIntent{
					NextSteps: []string{"recheck_dispute_evidence"},
					After:     24 * time.Hour,
				})
			}
		}
		result.Alerts = append(result.Alerts, AlertIntent{
			Severity: severity,
			Type:     "dispute_needs_response",
			Message:  message,
			Metadata: alertMeta,
		})
	case DisputeLost:
		result.Alerts = append(result.Alerts, AlertIntent{
			Severity: SeverityHigh,
			Type:     "dispute_lost",
			Message:  fmt.Sprintf("Dispute %s lost: %d %s withdrawn.", disputeID, payload.Amount, payload.Currency),
			Metadata: alertMeta,
		})
	case DisputeWon:
		result.Alerts = append(result.Alerts, AlertIntent{
			Severity: SeverityLow,
			Type:     "dispute_won",
			Message:  fmt.Sprintf("Dispute %s won.", disputeID),
			Metadata: alertMeta,
		})
	}

	return result, nil
}
