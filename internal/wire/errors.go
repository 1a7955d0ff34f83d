package wire

import "errors"

// ErrNotEnoughData is returned when a datagram ends before a header or
// payload it declares is fully read.
var ErrNotEnoughData = errors.New("wire: not enough data")

// ErrPayloadTooLarge is returned when a declared length field would read
// past any plausible UDP datagram size, guarding against a corrupt or
// hostile length prefix turning into a huge allocation.
var ErrPayloadTooLarge = errors.New("wire: payload length exceeds datagram bound")

// ErrUnknownCommandID is returned when a command header names a command
// id this codec does not recognize.
var ErrUnknownCommandID = errors.New("wire: unknown command id")
