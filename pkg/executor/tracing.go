package executor

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const executorTracerName = "lexflow.executor"

const (
	spanExecuteBatch  = "executor.batch"
	spanExecuteAction = "executor.action"
	spanRollback      = "executor.rollback"
)

func executorTracer() trace.Tracer {
	return otel.Tracer(executorTracerName)
}
