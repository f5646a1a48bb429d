package observability

import "go.uber.org/zap"

// Field aliases so callers log through this package without importing zap.

type Field = zap.Field

func String(key, value string) Field {
	return zap.String(key, value)
}

func Int(key string, value int) Field {
	return zap.Int(key, value)
}

func Bool(key string, value bool) Field {
	return zap.Bool(key, value)
}

func Float64(key string, value float64) Field {
	return zap.Float64(key, value)
}

func Error(err error) Field {
	return zap.Error(err)
}

func Any(key string, value any) Field {
	return zap.Any(key, value)
}
