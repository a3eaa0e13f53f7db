package observe

import (
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"

	"livescribe/internal/domain"
)

// Reporter forwards fatal session errors to Sentry. The zero value is disabled.
type Reporter struct {
	enabled bool
}

// InitReporter configures Sentry when dsn is set.
func InitReporter(dsn, environment string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return &Reporter{}, err
	}
	return &Reporter{enabled: true}, nil
}

// Report captures err unless it is a protocol error the session survived.
func (r *Reporter) Report(err error) {
	if !r.shouldReport(err) {
		return
	}
	kind, ok := domain.KindOf(err)
	sentry.WithScope(func(scope *sentry.Scope) {
		if ok {
			scope.SetTag("error_kind", string(kind))
		}
		scope.SetTag("fatal", strconv.FormatBool(domain.IsFatal(err)))
		sentry.CaptureException(err)
	})
}

func (r *Reporter) shouldReport(err error) bool {
	if r == nil || !r.enabled || err == nil {
		return false
	}
	kind, ok := domain.KindOf(err)
	return !ok || kind != domain.ErrorKindProtocol || domain.IsFatal(err)
}

// Flush waits for buffered events to be delivered.
func (r *Reporter) Flush(timeout time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	sentry.Flush(timeout)
}
