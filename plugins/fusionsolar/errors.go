package fusionsolar

import (
	"errors"
	"fmt"
)

// Error kinds returned by the client. Check with errors.Is.
var (
	ErrCannotConnect = errors.New("cannot connect to fusionsolar")
	ErrInvalidAuth   = errors.New("fusionsolar authentication failed")
	ErrRateLimited   = errors.New("fusionsolar rate limit reached")
	ErrSchemaChanged = errors.New("fusionsolar endpoint schema changed")
)

// APIError carries one of the error kinds plus detail and cause.
type APIError struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *APIError) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *APIError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func apiErrorf(kind error, format string, args ...any) error {
	return &APIError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapAPIError(kind error, cause error, msg string) error {
	return &APIError{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf returns the error kind of the outermost APIError in err, or the
// first sentinel found when err carries no APIError.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	for _, kind := range []error{ErrInvalidAuth, ErrRateLimited, ErrSchemaChanged, ErrCannotConnect} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ErrorKind names the error kind of err for logs and metrics labels.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case ErrInvalidAuth:
		return "InvalidAuth"
	case ErrRateLimited:
		return "RateLimited"
	case ErrSchemaChanged:
		return "EndpointSchemaChanged"
	case ErrCannotConnect:
		return "CannotConnect"
	default:
		return "Unknown"
	}
}
