package escrow

import (
	"context"

	"github.com/kode4food/caravan"
	"go.uber.org/zap"
)

// Vault is the root of an escrow deployment. It owns the in-process
// EventHub and the lifetime of everything opened from it
type Vault struct {
	config Config
	hub    *EventHub
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewVault creates a new Vault instance with the given configuration
func NewVault(cfg Config) (*Vault, error) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewEventHub(caravan.NewTopic[*Event]())

	v := &Vault{
		config: cfg,
		hub:    hub,
		logger: cfg.logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	return v, nil
}

// Hub returns the EventHub that receives every committed event
func (v *Vault) Hub() *EventHub {
	return v.hub
}

// Context returns the Vault's context for cancellation
func (v *Vault) Context() context.Context {
	return v.ctx
}

// Logger returns the Vault's structured logger
func (v *Vault) Logger() *zap.Logger {
	return v.logger
}

// Close gracefully shuts down the Vault
func (v *Vault) Close() error {
	v.cancel()
	return nil
}
