package cli

import (
	"fmt"
	"log/slog"

	"peerback/internal/app"
	"peerback/internal/config"
	"peerback/internal/crypto"
)

// AppContext carries what every command needs.
type AppContext struct {
	Cfg *config.Config
	Log *slog.Logger
}

func NewAppContext(cfg *config.Config, log *slog.Logger) *AppContext {
	return &AppContext{Cfg: cfg, Log: log}
}

// openApp loads the identity and assembles the application. Commands that
// need keys call it; init does not.
func (c *AppContext) openApp() (*app.App, error) {
	keys, err := crypto.LoadIdentity(c.Cfg.IdentityKeyPath())
	if err != nil {
		return nil, fmt.Errorf("no identity found, run init first: %w", err)
	}
	return app.New(c.Cfg, keys, c.Log)
}
