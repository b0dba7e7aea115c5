package observability

import (
	"github.com/danmuck/keychainctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs the runtime logger for a binary, tagged with app.
// KEYCHAIN_LOG_* variables still take precedence over level.
func InitLogger(app string, level zerolog.Level) zerolog.Logger {
	cfg := logging.RuntimeConfig()
	if !logging.LevelFromEnv() {
		cfg.Level = level
	}
	logging.Apply(cfg)
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
