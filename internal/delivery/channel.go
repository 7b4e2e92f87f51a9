// Package delivery pushes eligible candidates out through channel
// adapters, enforcing opt-out and frequency caps before any external send.
package delivery

import (
	"context"
	"fmt"

	"ceap-engine/internal/models"
)

// Channel names.
const (
	ChannelEmail = "EMAIL"
	ChannelSMS   = "SMS"
)

// ChannelAdapter sends one candidate's solicitation through an external
// provider. Adapters do not enforce policy; the dispatcher has already
// applied opt-out, capping, and shadow mode before Send is called.
type ChannelAdapter interface {
	Channel() string
	Send(ctx context.Context, cand *models.Candidate, templateID string) (providerMessageID string, err error)
	HealthCheck(ctx context.Context) error
}

// ContactResolver turns a customer ID into a channel address. Contact data
// lives outside the engine; only the resolved address transits here.
type ContactResolver interface {
	EmailAddress(ctx context.Context, customerID string) (string, error)
	PhoneNumber(ctx context.Context, customerID string) (string, error)
}

// AdapterRegistry maps channel names to adapters.
type AdapterRegistry struct {
	adapters map[string]ChannelAdapter
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]ChannelAdapter)}
}

func (r *AdapterRegistry) Register(a ChannelAdapter) {
	r.adapters[a.Channel()] = a
}

func (r *AdapterRegistry) Get(channel string) (ChannelAdapter, error) {
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for channel %q", channel)
	}
	return a, nil
}

// StaticContactResolver serves contact data from fixed maps. Used in tests
// and local runs.
type StaticContactResolver struct {
	Emails map[string]string
	Phones map[string]string
}

func (s *StaticContactResolver) EmailAddress(ctx context.Context, customerID string) (string, error) {
	addr, ok := s.Emails[customerID]
	if !ok {
		return "", fmt.Errorf("no email address for customer")
	}
	return addr, nil
}

func (s *StaticContactResolver) PhoneNumber(ctx context.Context, customerID string) (string, error) {
	phone, ok := s.Phones[customerID]
	if !ok {
		return "", fmt.Errorf("no phone number for customer")
	}
	return phone, nil
}
