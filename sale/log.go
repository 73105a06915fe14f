package sale

import "log/slog"

func logError(msg string, err error, args ...any) {
	slog.Error("sale: "+msg, append([]any{"error", err}, args...)...)
}
