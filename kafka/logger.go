package kafka

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// kgoLogger sends franz-go client logs to zap.
type kgoLogger struct {
	l *zap.SugaredLogger
}

func (k *kgoLogger) Level() kgo.LogLevel {
	switch {
	case k.l.Desugar().Core().Enabled(zap.DebugLevel):
		return kgo.LogLevelDebug
	case k.l.Desugar().Core().Enabled(zap.InfoLevel):
		return kgo.LogLevelInfo
	default:
		return kgo.LogLevelWarn
	}
}

func (k *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		k.l.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		k.l.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		k.l.Infow(msg, keyvals...)
	case kgo.LogLevelDebug:
		k.l.Debugw(msg, keyvals...)
	}
}
