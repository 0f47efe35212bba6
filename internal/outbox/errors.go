package outbox

import "errors"

var (
	// errAlreadyNotified signals CreateNotification found notification_generated
	// already true under the row lock; the caller treats this as a no-op,
	// not a failure.
	errAlreadyNotified = errors.New("outbox: notification already generated")

	// errAttemptBudgetExhausted signals IncrementAttempt found attempt_count
	// already at max_attempts.
	errAttemptBudgetExhausted = errors.New("outbox: attempt budget exhausted")
)
