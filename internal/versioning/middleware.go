package versioning

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/tracing"

	"github.com/sirupsen/logrus"
)

type contextKey string

const versionContextKey contextKey = "protocol_version"

const (
	// AcceptVersionHeader carries the client's protocol version
	AcceptVersionHeader = "Accept-Version"

	CurrentVersionHeader    = "X-Current-Version"
	SupportedVersionsHeader = "X-Supported-Versions"
)

// Middleware negotiates the protocol version of every request. Requests
// without Accept-Version are treated as the current version.
func Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(CurrentVersionHeader, Current.String())
			w.Header().Set(SupportedVersionsHeader, SupportedRange())

			requested := Current
			if raw := r.Header.Get(AcceptVersionHeader); raw != "" {
				v, err := ParseVersion(raw)
				if err != nil {
					writeError(w, r, logger, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid Accept-Version header"))
					return
				}
				requested = v
			}

			compat := CheckCompatibility(requested)
			if !compat.Compatible {
				logger.WithFields(logrus.Fields{
					"requested_version": requested.String(),
					"current_version":   Current.String(),
					"path":              r.URL.Path,
					"user_agent":        r.UserAgent(),
				}).Warn(compat.Reason)
				writeError(w, r, logger, apperrors.NewVersionError(requested.String(), SupportedRange(), compat.TooNew))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithVersion(r.Context(), requested)))
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatusCode(err))
	if encErr := json.NewEncoder(w).Encode(apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context()))); encErr != nil {
		logger.WithError(encErr).Error("Failed to encode version error response")
	}
}

// WithVersion stores the negotiated version on ctx
func WithVersion(ctx context.Context, v ProtocolVersion) context.Context {
	return context.WithValue(ctx, versionContextKey, v)
}

// FromContext returns the negotiated version, or Current when none was set
func FromContext(ctx context.Context) ProtocolVersion {
	if v, ok := ctx.Value(versionContextKey).(ProtocolVersion); ok {
		return v
	}
	return Current
}

// Supports reports whether the negotiated version includes a change that
// shipped in since
func Supports(ctx context.Context, since ProtocolVersion) bool {
	return FromContext(ctx).Compare(since) >= 0
}
