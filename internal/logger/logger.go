// Package logger stamps a request-scoped *logrus.Entry into a
// context.Context so every package below the HTTP boundary can log with
// a consistent request id and, once authorization has run, identity.
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity"`
}

type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	identityLoggerKey  string = "identity"
)

// Init sets up the formatter and level used by every logrus.Entry the
// package hands out.
func Init(level logrus.Level) {
	f := new(logrus.TextFormatter)
	f.TimestampFormat = "2006-01-02 15:04:05"
	f.FullTimestamp = true
	logrus.SetFormatter(f)
	logrus.SetLevel(level)
}

// AddRequestID installs middleware that stamps a request id logger onto
// every inbound request's context, unless one is already present.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger with no request id attached.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns ctx unchanged if it already carries a
// logger, otherwise a derived context carrying a fresh one keyed by a
// new request id.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := fromContextOrNil(ctx); rlog != nil {
		return ctx, rlog
	}
	id, _ := uuid.NewRandom()
	rlog := logrus.WithField(requestIDLoggerKey, id.String())
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// ContextWithIdentity attaches identity to the context's logger, creating
// one first if necessary. Called once authorization has resolved who the
// caller is.
func ContextWithIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(identityLoggerKey, identity)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

func fromContextOrNil(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, _ := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	return rlog
}

// FromContext returns ctx's logger, or a bare default one if ctx carries
// none. Every package calls this rather than threading a logger through
// every function signature.
func FromContext(ctx context.Context) *logrus.Entry {
	if rlog := fromContextOrNil(ctx); rlog != nil {
		return rlog
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// RequestIDFromContext returns ctx's request id, or "" if none is set.
func RequestIDFromContext(ctx context.Context) string {
	return values(ctx).RequestID
}

func values(ctx context.Context) contextLoggerValues {
	rlog := fromContextOrNil(ctx)
	if rlog == nil {
		return contextLoggerValues{}
	}
	var v contextLoggerValues
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		v.RequestID = s
	}
	if s, ok := rlog.Data[identityLoggerKey].(string); ok {
		v.Identity = s
	}
	return v
}

// Serialize extracts the request id/identity pair so it can cross a
// goroutine or process boundary (e.g. into a notification dispatcher
// goroutine) and be rehydrated with Deserialize.
func Serialize(ctx context.Context) []byte {
	v := values(ctx)
	if v.RequestID == "" {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Deserialize rehydrates a context carrying the request id/identity
// encoded by Serialize, or returns ctx unchanged if it already has a
// logger or data is unreadable.
func Deserialize(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if fromContextOrNil(ctx) != nil {
		return ctx
	}
	var v contextLoggerValues
	if err := json.Unmarshal(data, &v); err != nil || v.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	rlog := logrus.WithField(requestIDLoggerKey, v.RequestID)
	if v.Identity != "" {
		rlog = rlog.WithField(identityLoggerKey, v.Identity)
	}
	return context.WithValue(ctx, contextKeyRequestLogger, rlog)
}
