// ABOUTME: Carries the authenticated subject through request handlers
// ABOUTME: WithSubject/SubjectFromContext wrap context.Context values

package auth

import "context"

type subjectKey struct{}

// WithSubject returns a new context carrying the authenticated subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or "" for anonymous requests.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}
