package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/webhookendpoint"
)

// StripeNotifier implements NotifierClient on top of Stripe webhook
// endpoints. Each registered address is one endpoint; the address set is the
// set of endpoint URLs.
type StripeNotifier struct {
	enabledEvents []string
}

// NewStripeNotifier configures the global Stripe client key and returns a
// notifier. Endpoints created by SetWebhookAddresses subscribe to the given
// event types ("*" when empty).
func NewStripeNotifier(apiKey string, enabledEvents []string) *StripeNotifier {
	stripe.Key = apiKey
	if len(enabledEvents) == 0 {
		enabledEvents = []string{"*"}
	}
	return &StripeNotifier{enabledEvents: enabledEvents}
}

func (n *StripeNotifier) GetWebhookAddresses(ctx context.Context) ([]string, error) {
	params := &stripe.WebhookEndpointListParams{}
	params.Context = ctx
	var addrs []string
	iter := webhookendpoint.List(params)
	for iter.Next() {
		addrs = append(addrs, iter.WebhookEndpoint().URL)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	return addrs, nil
}

func (n *StripeNotifier) SetWebhookAddresses(ctx context.Context, addrs []string) error {
	desired := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		desired[a] = true
	}

	listParams := &stripe.WebhookEndpointListParams{}
	listParams.Context = ctx
	existing := make(map[string]string) // url -> endpoint ID
	iter := webhookendpoint.List(listParams)
	for iter.Next() {
		ep := iter.WebhookEndpoint()
		existing[ep.URL] = ep.ID
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to list webhook endpoints: %w", err)
	}

	for url := range desired {
		if _, ok := existing[url]; ok {
			continue
		}
		params := &stripe.WebhookEndpointParams{
			URL:           stripe.String(url),
			EnabledEvents: stripe.StringSlice(n.enabledEvents),
		}
		params.Context = ctx
		if _, err := webhookendpoint.New(params); err != nil {
			return fmt.Errorf("failed to create webhook endpoint %s: %w", url, err)
		}
	}
	for url, id := range existing {
		if desired[url] {
			continue
		}
		params := &stripe.WebhookEndpointParams{}
		params.Context = ctx
		if _, err := webhookendpoint.Del(id, params); err != nil {
			return fmt.Errorf("failed to delete webhook endpoint %s: %w", url, err)
		}
	}
	return nil
}

// StripeMeter forwards usage events to a Stripe billing meter.
type StripeMeter struct {
	eventName string
}

// NewStripeMeter returns a meter sink writing events under the given meter
// event name. The Stripe key is expected to be set already (it is shared
// with StripeNotifier).
func NewStripeMeter(apiKey, eventName string) *StripeMeter {
	if apiKey != "" {
		stripe.Key = apiKey
	}
	return &StripeMeter{eventName: eventName}
}

// RecordUsage reports one usage event. The user ID doubles as the Stripe
// customer reference; quantity is the billable unit count.
func (m *StripeMeter) RecordUsage(ctx context.Context, kind, userID string, quantity int64, at time.Time) error {
	params := &stripe.BillingMeterEventParams{
		EventName: stripe.String(m.eventName),
		Payload: map[string]string{
			"stripe_customer_id": userID,
			"value":              strconv.FormatInt(quantity, 10),
			"kind":               kind,
		},
		Timestamp: stripe.Int64(at.Unix()),
	}
	params.Context = ctx
	if _, err := meterevent.New(params); err != nil {
		return fmt.Errorf("failed to record meter event for %s: %w", userID, err)
	}
	return nil
}
