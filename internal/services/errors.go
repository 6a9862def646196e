// Package services holds the bot's business logic: the per-user conversation
// orchestrator, the webhook dispatcher and the read/control operations behind
// the admin API.
//
// Service-level errors are declared here so handlers can map them to HTTP
// results consistently.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps any persistence failure seen by the
	// orchestrator. The underlying error stays reachable through errors.Is.
	ErrStoreUnavailable = errors.New("conversation store unavailable")

	// ErrConversationNotFound is returned by the read/control operations when
	// the user has never talked to the bot.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrDispatcherClosed is returned by Dispatch after Shutdown.
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
