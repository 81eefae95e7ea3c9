package domain

import (
	"errors"
)

// Reasons a job is rejected at the ingress, used as metric labels
const (
	RejectInvalid            = "invalid"
	RejectUnsupportedBrowser = "unsupported_browser"
	RejectDuplicate          = "duplicate"
	RejectPublishFailed      = "publish_failed"
	RejectGuardUnavailable   = "guard_unavailable"
)

var (
	ErrDuplicateJob       = errors.New("job id already submitted")
	ErrUnsupportedBrowser = errors.New("unsupported browser")
	ErrReportNotFound     = errors.New("report not found")
)

// Supported reports whether browser is one of the configured worker classes
func Supported(browser string, supported []string) bool {
	for _, b := range supported {
		if b == browser {
			return true
		}
	}
	return false
}
