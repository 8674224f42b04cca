// Package billing handles payment-side integrations: keeping the payment
// notifier's webhook registry in sync and metering billable usage.
package billing

import (
	"context"
	"log"

	"github.com/appforge/appforge/internal/metrics"
)

// NotifierClient is the payment notifier's remote webhook configuration.
type NotifierClient interface {
	GetWebhookAddresses(ctx context.Context) ([]string, error)
	SetWebhookAddresses(ctx context.Context, addrs []string) error
}

// RegistrySync reconciles the set of webhook addresses we want notified with
// the notifier's remote configuration. The registry is an optimization for
// faster payment notification, not a correctness requirement, so every
// operation is best-effort: failures are logged and reported as a boolean,
// never raised.
type RegistrySync struct {
	client NotifierClient
}

// NewRegistrySync creates a registry sync against the given notifier.
func NewRegistrySync(client NotifierClient) *RegistrySync {
	return &RegistrySync{client: client}
}

// AddAddress unions one address into the remote set and pushes the merged
// set back. Existing addresses are never removed as a side effect.
func (s *RegistrySync) AddAddress(ctx context.Context, addr string) bool {
	current, err := s.client.GetWebhookAddresses(ctx)
	if err != nil {
		log.Printf("billing: failed to fetch webhook addresses: %v", err)
		metrics.WebhookSyncTotal.WithLabelValues("add", "error").Inc()
		return false
	}
	for _, a := range current {
		if a == addr {
			metrics.WebhookSyncTotal.WithLabelValues("add", "ok").Inc()
			return true
		}
	}
	merged := append(dedupe(current), addr)
	if err := s.client.SetWebhookAddresses(ctx, merged); err != nil {
		log.Printf("billing: failed to push webhook addresses: %v", err)
		metrics.WebhookSyncTotal.WithLabelValues("add", "error").Inc()
		return false
	}
	metrics.WebhookSyncTotal.WithLabelValues("add", "ok").Inc()
	return true
}

// RemoveAddress filters one address out of the remote set and pushes the
// remainder.
func (s *RegistrySync) RemoveAddress(ctx context.Context, addr string) bool {
	current, err := s.client.GetWebhookAddresses(ctx)
	if err != nil {
		log.Printf("billing: failed to fetch webhook addresses: %v", err)
		metrics.WebhookSyncTotal.WithLabelValues("remove", "error").Inc()
		return false
	}
	remainder := make([]string, 0, len(current))
	found := false
	for _, a := range dedupe(current) {
		if a == addr {
			found = true
			continue
		}
		remainder = append(remainder, a)
	}
	if !found {
		metrics.WebhookSyncTotal.WithLabelValues("remove", "ok").Inc()
		return true
	}
	if err := s.client.SetWebhookAddresses(ctx, remainder); err != nil {
		log.Printf("billing: failed to push webhook addresses: %v", err)
		metrics.WebhookSyncTotal.WithLabelValues("remove", "error").Inc()
		return false
	}
	metrics.WebhookSyncTotal.WithLabelValues("remove", "ok").Inc()
	return true
}

func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
