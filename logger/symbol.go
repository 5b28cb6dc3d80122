package logger

import "go.uber.org/zap"

// Lifecycle-stage symbols, logged as a structured field so log lines stay
// greppable by stage without polluting the message text.
const (
	SymbolScheduling   = "scheduling"
	SymbolProvisioning = "provisioning"
	SymbolOperational  = "operational"
	SymbolTermination  = "termination"
)

// WithSymbol returns a logger carrying the given lifecycle-stage symbol as a
// structured field.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// SymbolInfow logs an info message tagged with the given lifecycle symbol.
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
