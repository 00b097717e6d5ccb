package domain

import "time"

// SessionState is the contactless session state.
type SessionState string

const (
	StateIdle        SessionState = "IDLE"
	StateDetecting   SessionState = "DETECTING"
	StateCardPresent SessionState = "CARD_PRESENT"
	StateAuthorizing SessionState = "AUTHORIZING"
	StateSettling    SessionState = "SETTLING"
	StateComplete    SessionState = "COMPLETE"
	StateFailed      SessionState = "FAILED"
	StateTimedOut    SessionState = "TIMED_OUT"
	StateCancelled   SessionState = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	switch s {
	case StateComplete, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// PaymentRequest is the request-layer input for a contactless payment.
type PaymentRequest struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	RequestID   string  `json:"requestId,omitempty"`
	IP          string  `json:"-"`
	UserAgent   string  `json:"-"`
}

// ErrorInfo is the redacted error carried by a failed PaymentResult.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// PaymentResult is handed to the caller, who forwards it for settlement
// reconciliation. It never carries card data.
type PaymentResult struct {
	Success       bool            `json:"success"`
	SessionID     string          `json:"sessionId"`
	TransactionID string          `json:"transactionId,omitempty"`
	Amount        float64         `json:"amount"`
	Currency      string          `json:"currency"`
	State         SessionState    `json:"state"`
	Risk          *RiskAssessment `json:"risk,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	CompletedAt   time.Time       `json:"completedAt"`
}
