package live

import (
	"errors"
	"fmt"
)

var (
	ErrMissingId          = errors.New("Question has no id.")
	ErrInvalidStatus      = errors.New("Invalid status")
	ErrEmptyContent       = errors.New("Content cannot be empty.")
	ErrCredentialRequired = errors.New("Admin credential required.")
	ErrCredentialExpired  = errors.New("Admin credential expired.")
	ErrClosed             = errors.New("Done")
)

// a message from the push channel that could not be turned into a change event.
// These are dropped by the synchronizer and never end the stream.
type DecodeError struct {
	Reason string
	Raw    []byte
	Err    error
}

func (self *DecodeError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("Decode error (%s): %s", self.Reason, self.Err)
	}
	return fmt.Sprintf("Decode error (%s)", self.Reason)
}

func (self *DecodeError) Unwrap() error {
	return self.Err
}

// non-200 response from the api. `Message` is the server `detail` when present.
type ApiError struct {
	StatusCode int
	Message    string
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("Api error %d: %s", self.StatusCode, self.Message)
}
