package actor

import "errors"

var (
	ErrUnknownActor      = errors.New("actor: unknown actor address")
	ErrAlreadyRegistered = errors.New("actor: address already registered")
	ErrMailboxClosed     = errors.New("actor: mailbox closed")
	ErrAlreadyRunning    = errors.New("actor: actor id already running")
	ErrStopped           = errors.New("actor: supervisor stopped")
	ErrPoolClosed        = errors.New("actor: endpoint pool closed")
	ErrNotPoolMember     = errors.New("actor: endpoint not held from this pool")
)
