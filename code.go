package milou

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	codeLength         = 8
	maxCodeGenAttempts = 5
)

// generateCode produces a short unique mail code.
// Codes are the external reference for a mail: short enough to quote in a
// URL, checked against the store for uniqueness before use. The store's
// unique constraint remains the final arbiter for concurrent sends.
func (s *service) generateCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeGenAttempts; attempt++ {
		code := strings.ReplaceAll(uuid.NewString(), "-", "")[:codeLength]

		exists, err := s.store.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code uniqueness: %w", err)
		}
		if !exists {
			return code, nil
		}
		s.logger.Debug("mail code collision, retrying", "attempt", attempt+1)
	}
	return "", ErrCodeExhausted
}
