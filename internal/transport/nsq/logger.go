package nsq

import (
	"strings"

	"github.com/dray-io/meshsync/internal/logging"
)

// daemonLogger wraps the log lines emitted by an embedded NSQ daemon into
// structured entries.
type daemonLogger struct {
	logger *logging.Logger
}

// Output implements the lg.Logger interface used by nsqd.
func (l *daemonLogger) Output(maxdepth int, s string) error {
	level, rest, _ := strings.Cut(s, " ")

	module, msg, ok := strings.Cut(rest, " ")
	fields := map[string]any{"msg": rest}
	if ok && strings.HasSuffix(module, ":") {
		fields = map[string]any{"module": strings.ToLower(strings.TrimSuffix(module, ":")), "msg": msg}
	}
	switch level {
	case "DEBUG:", "INFO:":
		l.logger.Debugf("nsqd emitted log", fields)
	case "WARNING:":
		l.logger.Warnf("nsqd emitted log", fields)
	case "ERROR:", "FATAL:":
		l.logger.Errorf("nsqd emitted log", fields)
	default:
		l.logger.Errorf("nsqd emitted unknown log", map[string]any{"msg": s})
	}
	return nil
}

// clientLogger wraps the log lines emitted by go-nsq producers and
// consumers. Lines start with a three letter level followed by the
// connection id.
type clientLogger struct {
	logger *logging.Logger
	role   string
}

// Output implements the logger interface used by go-nsq.
func (l *clientLogger) Output(calldepth int, s string) error {
	if len(s) < 3 {
		return nil
	}
	level := s[:3]
	id, msg, _ := strings.Cut(strings.TrimSpace(s[3:]), " ")
	fields := map[string]any{"role": l.role, "id": id, "msg": msg}

	switch level {
	case "DBG", "INF":
		l.logger.Debugf("nsq client emitted log", fields)
	case "WRN":
		l.logger.Warnf("nsq client emitted log", fields)
	case "ERR":
		l.logger.Errorf("nsq client emitted log", fields)
	default:
		l.logger.Errorf("nsq client emitted unknown log", map[string]any{"msg": s})
	}
	return nil
}
