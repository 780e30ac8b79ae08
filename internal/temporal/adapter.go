// Package temporal connects the pipeline to a Temporal cluster.
package temporal

import (
	"fmt"
	"reflect"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapLogger routes SDK logs through zap. Key/value pairs become fields;
// a trailing key without a value is kept under "extra".
type zapLogger struct {
	z *zap.Logger
}

var (
	_ log.Logger          = (*zapLogger)(nil)
	_ log.WithLogger      = (*zapLogger)(nil)
	_ log.WithSkipCallers = (*zapLogger)(nil)
)

// NewZapAdapter returns a Temporal logger writing to logger.Named("temporal").
func NewZapAdapter(logger *zap.Logger) log.Logger {
	return &zapLogger{z: logger.Named("temporal").WithOptions(zap.AddCallerSkip(1))}
}

func (l *zapLogger) Debug(msg string, keyvals ...interface{}) { l.z.Debug(msg, fields(keyvals)...) }
func (l *zapLogger) Info(msg string, keyvals ...interface{})  { l.z.Info(msg, fields(keyvals)...) }
func (l *zapLogger) Warn(msg string, keyvals ...interface{})  { l.z.Warn(msg, fields(keyvals)...) }
func (l *zapLogger) Error(msg string, keyvals ...interface{}) { l.z.Error(msg, fields(keyvals)...) }

func (l *zapLogger) With(keyvals ...interface{}) log.Logger {
	return &zapLogger{z: l.z.With(fields(keyvals)...)}
}

func (l *zapLogger) WithCallerSkip(depth int) log.Logger {
	return &zapLogger{z: l.z.WithOptions(zap.AddCallerSkip(depth))}
}

func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			out = append(out, field("extra", keyvals[i]))
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		out = append(out, field(key, keyvals[i+1]))
	}
	return out
}

// field guards zap.Any against values its reflection encoder panics on,
// such as funcs and channels carried in SDK tags.
func field(key string, val interface{}) (f zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			f = zap.String(key, fmt.Sprintf("<unserializable: %v>", r))
		}
	}()
	if val == nil {
		return zap.String(key, "<nil>")
	}
	switch kind := reflect.ValueOf(val).Kind(); kind {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return zap.String(key, "<"+kind.String()+">")
	}
	return zap.Any(key, val)
}
