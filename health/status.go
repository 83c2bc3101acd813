// Package health aggregates component health for the /healthz endpoint.
package health

import (
	"regexp"
	"strings"
	"time"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|redis)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one component, or of the process when it carries
// sub-statuses.
type Status struct {
	Component   string         `json:"component"`
	Healthy     bool           `json:"healthy"`
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Details     map[string]any `json:"details,omitempty"`
	SubStatuses []Status       `json:"sub_statuses,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StatusHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StatusDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// With returns a copy carrying one more detail value.
func (s Status) With(key string, value any) Status {
	details := make(map[string]any, len(s.Details)+1)
	for k, v := range s.Details {
		details[k] = v
	}
	details[key] = value
	s.Details = details
	return s
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

// NewUnhealthy creates an unhealthy status. The message is sanitized since
// it usually carries an error string.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, Sanitize(message))
}

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate is unhealthy if any sub-status is, degraded if any is degraded,
// and healthy otherwise.
func Aggregate(component string, subs []Status) Status {
	var status Status
	switch {
	case anyStatus(subs, StatusUnhealthy):
		status = NewUnhealthy(component, "one or more components are unhealthy")
	case anyStatus(subs, StatusDegraded):
		status = NewDegraded(component, "one or more components are degraded")
	default:
		status = NewHealthy(component, "")
	}
	status.SubStatuses = append([]Status(nil), subs...)
	return status
}

func anyStatus(subs []Status, want string) bool {
	for _, s := range subs {
		if s.Status == want {
			return true
		}
	}
	return false
}

// Sanitize strips URLs, paths, addresses and credentials from an error message.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}
