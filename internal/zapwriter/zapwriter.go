package zapwriter

import (
	"fmt"
	"sort"
	"time"

	config "github.com/okserver/okserver/pkg/core/config"
	"github.com/okserver/okserver/pkg/core/server"
	"github.com/okserver/okserver/pkg/core/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ExchangeTiming contains several connection related time metrics.
type ExchangeTiming struct {
	Accepted           time.Time
	FirstByte          time.Time
	TimeToFirstByte    time.Duration
	Responded          time.Time
	TimeToRespond      time.Duration
	Closed             time.Time
	ConnectionDuration time.Duration
}

// MarshalLogObject is used for the type safe JSON serialization of the ExchangeTiming struct.
func (t ExchangeTiming) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddTime("accepted", t.Accepted)
	enc.AddTime("first_byte", t.FirstByte)
	enc.AddDuration("time_to_first_byte", t.TimeToFirstByte)
	enc.AddTime("responded", t.Responded)
	enc.AddDuration("time_to_respond", t.TimeToRespond)
	enc.AddTime("closed", t.Closed)
	enc.AddDuration("connection_duration", t.ConnectionDuration)
	return nil
}

// NewExchangeTiming derives durations from the raw connection timestamps.
// Durations whose end was never reached stay zero.
func NewExchangeTiming(ct transport.ConnTiming) ExchangeTiming {
	t := ExchangeTiming{
		Accepted:  ct.Accepted,
		FirstByte: ct.FirstByte,
		Responded: ct.Responded,
		Closed:    ct.Closed,
	}

	if !ct.FirstByte.IsZero() {
		t.TimeToFirstByte = ct.FirstByte.Sub(ct.Accepted)
	}
	if !ct.Responded.IsZero() {
		t.TimeToRespond = ct.Responded.Sub(ct.Accepted)
	}
	if !ct.Closed.IsZero() {
		t.ConnectionDuration = ct.Closed.Sub(ct.Accepted)
	}

	return t
}

// Writer is being used to print out logs via the zap library.
type Writer struct {
	Logger *zap.Logger
	Config *config.TranslatedConfig
}

// LogExchange writes one log entry per served connection.
func (w Writer) LogExchange(ex *server.Exchange) error {
	if ex == nil {
		return fmt.Errorf("exchange is nil")
	}

	fields := []zap.Field{
		zap.String("connection_id", ex.ID),
		zap.String("remote_addr", ex.RemoteAddr),
		zap.String("outcome", string(ex.Outcome)),
		zap.Int64("bytes_read", ex.BytesRead),
		zap.Int64("bytes_written", ex.BytesWritten),
		zap.Object("timing", NewExchangeTiming(ex.Timing)),
	}

	if ex.Request != nil {
		rl := ex.Request.RequestLine
		fields = append(fields,
			zap.String("request_method", rl.Method),
			zap.String("request", rl.Target),
			zap.String("protocol", rl.Version),
		)

		if w.Config != nil && w.Config.LogHeaders {
			fields = append(fields, zap.Strings("request_headers", headerLines(ex.Request.Headers)))
		}
	}

	if ex.Err != nil {
		fields = append(fields, zap.Error(ex.Err))
		w.Logger.Warn("", fields...)
		return nil
	}

	w.Logger.Info("", fields...)

	return nil
}

func headerLines(headers map[string]string) []string {
	lines := make([]string, 0, len(headers))
	for name, value := range headers {
		lines = append(lines, fmt.Sprintf("%s: %s", name, value))
	}
	sort.Strings(lines)
	return lines
}
