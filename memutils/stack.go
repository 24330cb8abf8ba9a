package memutils

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
)

// CaptureStack records the current call stack in an error value. skip is the number of frames
// above the caller of CaptureStack to omit. The trace is retrieved with FormatStack.
func CaptureStack(skip int, format string, args ...any) error {
	return cerrors.NewWithDepthf(skip+1, format, args...)
}

// FormatStack renders a trace captured with CaptureStack, including its frames
func FormatStack(trace error) string {
	if trace == nil {
		return "<no stack trace recorded>"
	}
	return fmt.Sprintf("%+v", trace)
}
