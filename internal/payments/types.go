package payments

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest indicates a redemption request that cannot be evaluated.
var ErrInvalidRequest = errors.New("payments: invalid charge request")

// Status is the verdict of a single redemption attempt.
type Status string

const (
	StatusAccepted         Status = "ACCEPTED"
	StatusTokenReused      Status = "TOKEN_REUSED"
	StatusLimitExceeded    Status = "LIMIT_EXCEEDED"
	StatusSimulatedFailure Status = "SIMULATED_FAILURE"
)

// IsTerminal reports whether no retry can change the verdict.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusTokenReused, StatusLimitExceeded:
		return true
	default:
		return false
	}
}

// IsRejection reports whether the verdict is a business-rule rejection.
func (s Status) IsRejection() bool {
	return s == StatusTokenReused || s == StatusLimitExceeded
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAccepted, StatusTokenReused, StatusLimitExceeded, StatusSimulatedFailure:
		return true
	default:
		return false
	}
}

// TokenResponse carries a freshly issued token.
type TokenResponse struct {
	Token string `json:"token"`
}

// ChargeRequest asks the authority to redeem a token for one micro-charge.
type ChargeRequest struct {
	Token     string `json:"token"`
	Identity  string `json:"identity"`
	SubjectID string `json:"subjectId"`
	Amount    int64  `json:"amount"`
}

// Validate checks the request shape. It never looks at the ledger.
func (r ChargeRequest) Validate() error {
	switch {
	case r.Token == "":
		return fmt.Errorf("%w: token is required", ErrInvalidRequest)
	case r.Identity == "":
		return fmt.Errorf("%w: identity is required", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRequest, r.Amount)
	}
	return nil
}

// ChargeResult is the verdict returned for a redemption. CumulativeTotal is
// the identity's total after the attempt; it is unchanged on rejection.
type ChargeResult struct {
	Status          Status `json:"status"`
	Message         string `json:"message"`
	CumulativeTotal int64  `json:"cumulativeTotal"`
}
