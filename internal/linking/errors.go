package linking

import "errors"

// User-facing rejection reasons. Callers compare with errors.Is.
var (
	ErrCodeNotFound  = errors.New("link code not found")
	ErrCodeExpired   = errors.New("link code expired")
	ErrAlreadyLinked = errors.New("account already linked")
	ErrRateLimited   = errors.New("too many link requests")
)
