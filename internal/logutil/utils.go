// Package logutil holds small zap helpers shared across packages.
package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Values groups a set of zap.Fields under a single "values" object field.
func Values(fields ...zap.Field) zap.Field {
	return zap.Object("values", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}

// Source renders a client or selection identity as a field.
func Source[T ~string](key string, v T) zap.Field {
	return zap.String(key, string(v))
}
