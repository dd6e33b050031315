package protocol

import "errors"

// ErrInvalidMessage marks frames that parse as JSON but miss required fields.
var ErrInvalidMessage = errors.New("invalid message")
