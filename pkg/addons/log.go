package addons

import (
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fidiego/http-mirror/pkg/proxy"
)

// LogAddon writes one structured line per finished exchange. It is
// registered after the MirrorAddon so the line carries the exchange's mirror
// status as of the end of the exchange.
type LogAddon struct {
	log *zap.Logger
}

// NewLogAddon returns a LogAddon writing to log.
func NewLogAddon(log *zap.Logger) *LogAddon {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogAddon{log: log.Named("flow")}
}

func (l *LogAddon) OnComplete(flow *proxy.Flow) {
	l.write(zapcore.InfoLevel, flow, nil)
}

func (l *LogAddon) OnError(flow *proxy.Flow, err error) {
	l.write(zapcore.WarnLevel, flow, err)
}

func (l *LogAddon) write(level zapcore.Level, flow *proxy.Flow, err error) {
	ce := l.log.Check(level, summary(flow))
	if ce == nil || flow.Request == nil {
		return
	}
	fields := make([]zap.Field, 0, 12)
	fields = append(fields,
		zap.String("flow", flow.ID),
		zap.String("upstream", flow.Upstream),
		zap.String("method", flow.Request.Method),
		zap.String("host", flow.Request.Host),
		zap.String("path", flow.Request.Path),
		zap.Int64("request_bytes", flow.Request.BodySize),
		zap.Duration("duration", flow.Duration()),
	)
	if flow.Response != nil {
		fields = append(fields,
			zap.Int("status", flow.Response.StatusCode),
			zap.Int64("response_bytes", flow.Response.BodySize))
	}
	if flow.Internal {
		fields = append(fields, zap.Bool("internal", true))
	}
	if len(flow.Tags) > 0 {
		fields = append(fields, zap.Strings("tags", flow.Tags))
	}
	if req, resp := flow.Mirror.Get(); req != proxy.MirrorNone || resp != proxy.MirrorNone {
		fields = append(fields,
			zap.String("mirror_request", string(req)),
			zap.String("mirror_response", string(resp)))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

// summary is the human part of the line: METHOD STATUS PATH.
func summary(flow *proxy.Flow) string {
	if flow.Request == nil {
		return "-"
	}
	status := "ERR"
	if flow.Response != nil {
		status = strconv.Itoa(flow.Response.StatusCode)
	}
	path := flow.Request.Path
	if path == "" {
		path = "/"
	}
	return flow.Request.Method + " " + status + " " + path
}
