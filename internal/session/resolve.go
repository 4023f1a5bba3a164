package session

import "github.com/parley-chat/parley/internal/config"

const DefaultClient = "main"

// Resolve determines the active client id using precedence:
// 1. flagOverride (--client flag)
// 2. config.toml default_client
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultClient != "" {
		return cfg.DefaultClient
	}
	return DefaultClient
}
