package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	operatorKey  contextKey = "operator"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOperator records which admin caller triggered work, for log correlation.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// GetOperator returns the admin caller recorded by WithOperator.
func GetOperator(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}
