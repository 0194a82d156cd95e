package broker

import (
	"errors"
	"fmt"
)

var (
	ErrConnectFailed = errors.New("broker: connect failed")
	// ErrAuthRejected is the CONNACK bad-credentials / not-authorised case. It also
	// matches ErrConnectFailed.
	ErrAuthRejected  = fmt.Errorf("%w: authentication rejected", ErrConnectFailed)
	ErrNoCredentials = errors.New("broker: no mqtt credentials")
	ErrConnLost      = errors.New("broker: connection lost")
	ErrBadCommand    = errors.New("broker: malformed command")
)
