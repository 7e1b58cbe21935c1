package linking

import (
	"context"
	"fmt"

	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// RemoteLinker is the account-service side of code confirmation.
type RemoteLinker interface {
	ConfirmLink(ctx context.Context, code string, identity int64) (accountID string, err error)
}

// RemoteConfirmer confirms codes against the account service and mirrors
// successful links into the local chat mapping.
type RemoteConfirmer struct {
	Remote RemoteLinker
	Store  storage.LinkStore
	Log    logx.Logger
}

func (c *RemoteConfirmer) ConfirmCode(ctx context.Context, code string, identity int64) (string, error) {
	accountID, err := c.Remote.ConfirmLink(ctx, code, identity)
	if err != nil {
		return "", err
	}
	if err := c.Store.Set(ctx, identity, accountID); err != nil {
		return "", fmt.Errorf("persist chat mapping: %w", err)
	}
	c.Log.Info("account linked", logx.String("account", accountID), logx.Int64("identity", identity), logx.String("mode", "remote"))
	return accountID, nil
}
