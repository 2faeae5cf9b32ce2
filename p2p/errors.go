package p2p

import (
	"errors"
	"fmt"
)

// Error taxonomy: sentinel errors matched by kind, not by type name,
// mirroring the retained sentinel-error style this codebase already uses
// for transport-level failures.
var (
	ErrRequestFail    = errors.New("p2p: request failed")
	ErrRequestTimeout = errors.New("p2p: request timed out")
	ErrSendFail       = errors.New("p2p: send failed")
	ErrDuplicatePeer  = errors.New("p2p: duplicate peer")
	ErrPeerNotFound   = errors.New("p2p: peer not found")
	ErrPushFail       = errors.New("p2p: node info push failed")
	ErrFetchInfoFail  = errors.New("p2p: fetch status failed")
	ErrPeerBanned     = errors.New("p2p: peer is banned")
)

// IsRequestFail reports whether err is or wraps ErrRequestFail.
func IsRequestFail(err error) bool { return errors.Is(err, ErrRequestFail) }

// IsRequestTimeout reports whether err is or wraps ErrRequestTimeout.
func IsRequestTimeout(err error) bool { return errors.Is(err, ErrRequestTimeout) }

// IsSendFail reports whether err is or wraps ErrSendFail.
func IsSendFail(err error) bool { return errors.Is(err, ErrSendFail) }

// IsDuplicatePeer reports whether err is or wraps ErrDuplicatePeer.
func IsDuplicatePeer(err error) bool { return errors.Is(err, ErrDuplicatePeer) }

// IsPeerNotFound reports whether err is or wraps ErrPeerNotFound.
func IsPeerNotFound(err error) bool { return errors.Is(err, ErrPeerNotFound) }

// IsPushFail reports whether err is or wraps ErrPushFail.
func IsPushFail(err error) bool { return errors.Is(err, ErrPushFail) }

// IsFetchInfoFail reports whether err is or wraps ErrFetchInfoFail.
func IsFetchInfoFail(err error) bool { return errors.Is(err, ErrFetchInfoFail) }

// IsPeerBanned reports whether err is or wraps ErrPeerBanned.
func IsPeerBanned(err error) bool { return errors.Is(err, ErrPeerBanned) }

// wrapf wraps a sentinel with additional context while keeping errors.Is
// working against the sentinel.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, sentinel)...)
}
