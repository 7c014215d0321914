package config

import (
	"context"
	"os"
	"strings"

	"github.com/mmdatafocus/po_layers/appctx"
	"github.com/sirupsen/logrus"
)

var logg = newLogger()

func GetLogger() *logrus.Logger {
	return logg
}

// newLogger writes JSON to stdout at LOG_LEVEL (any logrus level name,
// default info).
func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL"))); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// ContextFields returns the scope, correlation and job run ids carried by ctx.
func ContextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if v, ok := appctx.ScopeId(ctx); ok {
		fields["scope_id"] = v
	}
	if v, ok := appctx.CorrelationId(ctx); ok {
		fields["correlation_id"] = v
	}
	if v, ok := appctx.JobRunId(ctx); ok {
		fields["run_id"] = v
	}
	return fields
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
