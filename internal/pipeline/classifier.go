package pipeline

import (
	"github.com/ai-rio/QuoteKit-sub003/internal/handler"
)

// Classifier maps provider event types onto handlers. The mapping is a
// static registry fixed at startup; unknown types fall through to the
// unclassified handler rather than being dropped.
type Classifier struct {
	byType   map[string]handler.Handler
	fallback handler.Handler
}

func NewClassifier(
	lifecycle *handler.SubscriptionLifecycle,
	invoice *handler.Invoice,
	paymentMethod *handler.PaymentMethod,
	dispute *handler.Dispute,
	planChange *handler.PlanChange,
	unclassified *handler.Unclassified,
) *Classifier {
	return &Classifier{
		fallback: unclassified,
		byType: map[string]handler.Handler{
			handler.EventSubscriptionCreated: lifecycle,
			handler.EventSubscriptionUpdated: lifecycle,
			handler.EventSubscriptionDeleted: lifecycle,

			handler.EventInvoicePaid:          invoice,
			handler.EventInvoicePaymentFailed: invoice,

			handler.EventPaymentMethodAttached: paymentMethod,
			handler.EventPaymentMethodFailed:   paymentMethod,

			handler.EventDisputeOpened:  dispute,
			handler.EventDisputeUpdated: dispute,
			handler.EventDisputeClosed:  dispute,

			handler.EventPlanChanged: planChange,
		},
	}
}

// Classify returns the handler for eventType. classified is false when the
// fallback handler was chosen.
func (c *Classifier) Classify(eventType string) (h handler.Handler, classified bool) {
	if h, ok := c.byType[eventType]; ok {
		return h, true
	}
	return c.fallback, false
}

// Types lists every event type with a dedicated handler.
func (c *Classifier) Types() []string {
	types := make([]string, 0, len(c.byType))
	for t := range c.byType {
		types = append(types, t)
	}
	return types
}
