package store

import (
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog"
)

// badgerLogger routes badger's printf logging into zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

var _ badgerdb.Logger = (*badgerLogger)(nil)

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error().Msg(trim(format, args))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn().Msg(trim(format, args))
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.logger.Debug().Msg(trim(format, args))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.logger.Trace().Msg(trim(format, args))
}

func trim(format string, args []interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
