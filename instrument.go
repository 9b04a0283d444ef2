package pkgmessage

import "context"

// CorrelationIDHeader is the envelope header key scoped contexts use to
// propagate a correlation id from publisher to subscriber, mirroring the
// teacher's "cID" header convention used across its own messaging
// inbound/outbound adapters.
const CorrelationIDHeader = "cID"

type correlationIDKey struct{}

// SetCorrelationID returns a context carrying id for later retrieval by
// GetCorrelationID, so a handler invoked from OpenSub/OpenSubOne can log
// and re-propagate the id that arrived on the message's headers.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GetCorrelationID returns the correlation id set on ctx, or "" if none.
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// correlationIDFromHeaders reads CorrelationIDHeader out of a decoded
// header map, tolerating both string and []byte representations since
// adapters may round-trip it through broker-native header types.
func correlationIDFromHeaders(headers map[string]any) string {
	v, ok := headers[CorrelationIDHeader]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
