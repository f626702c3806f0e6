// Package store holds the four in-process state stores: users, sessions,
// groups and per-group message lists. Each store owns its collection behind
// its own lock and exposes only atomic operations; nothing outside this
// package touches the underlying maps.
package store

import "errors"

var (
	// ErrUnauthorized indicates a missing or unknown session token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionExpired indicates a session past its configured TTL.
	ErrSessionExpired = errors.New("session expired")
	// ErrForbidden indicates an authenticated caller without permission.
	ErrForbidden = errors.New("forbidden")
	// ErrUserNotFound indicates a user id with no record.
	ErrUserNotFound = errors.New("user not found")
	// ErrGroupNotFound indicates a group id with no record.
	ErrGroupNotFound = errors.New("group not found")
	// ErrMessageNotFound indicates a message id absent from its group.
	ErrMessageNotFound = errors.New("message not found")
)
