package backend

import "log/slog"

// Options carries the ambient collaborators every backend shares.
type Options struct {
	Log *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Log == nil {
		return slog.Default()
	}
	return o.Log
}
