package wlanif

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRole is returned when a radio role is not exposed by the radio driver.
	ErrInvalidRole = errors.New("wlanif: invalid radio role")
	// ErrDuplicateRole is returned when registering a second interface for a role.
	ErrDuplicateRole = errors.New("wlanif: role already has an interface")
	// ErrNoInterface is returned when the registry has no room or no match.
	ErrNoInterface = errors.New("wlanif: no such interface")

	// ErrPermanentlyUnavailable means a buffer request can never be satisfied.
	ErrPermanentlyUnavailable = errors.New("wlanif: buffer permanently unavailable")
	// ErrTemporarilyUnavailable means the buffer pool is exhausted right now.
	ErrTemporarilyUnavailable = errors.New("wlanif: buffer temporarily unavailable")
	// ErrSizeInvalid is returned for zero sized requests or requests above the MTU.
	// It is a permanent condition: errors.Is(ErrSizeInvalid, ErrPermanentlyUnavailable) is true.
	ErrSizeInvalid = fmt.Errorf("wlanif: invalid buffer size: %w", ErrPermanentlyUnavailable)
	// ErrHeaderAdjust is returned when a buffer cannot represent a header shift.
	ErrHeaderAdjust = errors.New("wlanif: buffer header adjust failed")

	// ErrFilterRejected is returned when the radio refuses a multicast filter change.
	ErrFilterRejected = errors.New("wlanif: multicast filter rejected")
	// ErrInvalidGroup is returned for group addresses that are neither IPv4 nor IPv6.
	ErrInvalidGroup = errors.New("wlanif: invalid multicast group address")
	// ErrInvalidFilterAction is returned for filter actions other than add/delete.
	ErrInvalidFilterAction = errors.New("wlanif: invalid filter action")

	// ErrInProgress is the transient transmit status returned while the link is
	// not ready. The frame was not consumed and should be offered again later.
	ErrInProgress = errors.New("wlanif: link not ready, transmit in progress")
)
