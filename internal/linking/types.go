package linking

import (
	"context"
	"time"
)

// CodeTTL is how long an issued code stays valid.
const CodeTTL = 15 * time.Minute

type Status string

const (
	StatusLinked  Status = "linked"
	StatusPending Status = "pending"
	StatusExpired Status = "expired"
	StatusNoLink  Status = "no_link"
)

// Record is the linking state of one account.
type Record struct {
	AccountID string
	Identity  int64 // set once linked
	Linked    bool
	Code      string // set while a code is outstanding
	IssuedAt  time.Time
}

// Confirmer binds a messaging identity to the account holding code.
// Service implements it locally; RemoteConfirmer delegates to the account service.
type Confirmer interface {
	ConfirmCode(ctx context.Context, code string, identity int64) (accountID string, err error)
}
