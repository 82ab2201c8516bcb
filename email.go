package chatsync

import (
	"context"
	"fmt"
	"strings"
)

// EmailSender delivers case-scoped emails. Delivery is synchronous and has
// no optimistic component.
type EmailSender interface {
	SendEmail(ctx context.Context, req EmailRequest) error
}

// Validate checks the fields the API requires.
func (r EmailRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(string(r.CaseID)) == "" {
		missing = append(missing, "caseId")
	}
	if strings.TrimSpace(r.Subject) == "" {
		missing = append(missing, "subject")
	}
	if strings.TrimSpace(r.Content) == "" {
		missing = append(missing, "content")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEmail, strings.Join(missing, ", "))
	}
	return nil
}
