package logger

import (
	"github.com/teranos/episodic/sym"
	"go.uber.org/zap"
)

// Symbol-aware helpers. The symbol goes into a structured field, not the
// message, so logs stay queryable by subsystem:
//
//	pulseLog := logger.AddPulseSymbol(baseLogger)
//	pulseLog.Infow("Scheduler started", "interval", interval)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddAMSymbol wraps a logger with the AM symbol (≡)
func AddAMSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.AM)
}
