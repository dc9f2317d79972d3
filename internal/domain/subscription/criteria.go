package subscription

import (
	"errors"
	"strings"
	"unicode"
)

// Criteria extraction failures. All are wrapped by ErrInvalidCriteria so
// callers can branch on the class without matching strings.
var (
	ErrInvalidCriteria    = errors.New("invalid criteria")
	ErrCriteriaEmpty      = errors.New("criteria is empty")
	ErrCriteriaNoQuery    = errors.New("criteria does not contain a query string")
	ErrCriteriaNotLetters = errors.New("criteria resource type is not alphabetic")
)

// ExtractCriteriaResource parses a subscription criteria string of the form
// "<ResourceType>?<query>" and returns the resource type. It is pure and
// deterministic: it validates new subscriptions and recovers the type of a
// cached subscription during removal.
func ExtractCriteriaResource(criteria string) (string, error) {
	if criteria == "" {
		return "", errors.Join(ErrInvalidCriteria, ErrCriteriaEmpty)
	}
	parts := strings.Split(criteria, "?")
	if len(parts) < 2 {
		return "", errors.Join(ErrInvalidCriteria, ErrCriteriaNoQuery)
	}
	for _, r := range parts[0] {
		if !unicode.IsLetter(r) {
			return "", errors.Join(ErrInvalidCriteria, ErrCriteriaNotLetters)
		}
	}
	if parts[0] == "" {
		return "", errors.Join(ErrInvalidCriteria, ErrCriteriaNotLetters)
	}
	return parts[0], nil
}
