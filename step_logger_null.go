package crew

import "context"

// NullStepLogger is a no-op implementation of StepLogger.
type NullStepLogger struct{}

func NewNullStepLogger() *NullStepLogger {
	return &NullStepLogger{}
}

func (l *NullStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	return nil
}

func (l *NullStepLogger) GetStepHistory(ctx context.Context, threadID string) ([]*StepLogEntry, error) {
	return nil, nil
}
