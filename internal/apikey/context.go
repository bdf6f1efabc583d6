package apikey

import "context"

func withRecord(ctx context.Context, rec *Record) context.Context {
	return context.WithValue(ctx, recordContextKey, rec)
}

// FromContext returns the API-key record attached to ctx by Validator.Wrap,
// if any.
func FromContext(ctx context.Context) (*Record, bool) {
	rec, ok := ctx.Value(recordContextKey).(*Record)
	return rec, ok
}
