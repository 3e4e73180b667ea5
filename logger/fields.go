package logger

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// WorkerIDKey is the logging context key used for identifying a worker.
	WorkerIDKey = "worker_id"

	// MessageIDKey is the logging context key used for a correlation id.
	MessageIDKey = "message_id"

	// RoleKey is the logging context key used for a worker role.
	RoleKey = "role"

	// ServiceKey is the logging context key used for identifying a component.
	ServiceKey = "service"
)

func nextID() string {
	return uuid.NewString()
}

// WorkerID returns a field for tracking a worker id.
func WorkerID(id int) zapcore.Field {
	return zap.Int(WorkerIDKey, id)
}

// MessageID returns a field for tracking a correlation id.
func MessageID(id int32) zapcore.Field {
	return zap.Int32(MessageIDKey, id)
}

// Role returns a field for tracking a worker role.
func Role(role string) zapcore.Field {
	return zap.String(RoleKey, role)
}

// Service returns a field for tracking the component logging.
func Service(name string) zapcore.Field {
	return zap.String(ServiceKey, name)
}

// DurationLiteral returns a field with the duration rendered by
// time.Duration.String rather than the encoder's duration format.
func DurationLiteral(key string, val time.Duration) zapcore.Field {
	return zap.String(key, val.String())
}
