//go:build !linux

package socketcan

import "errors"

// ErrTxOverflow is provided for non-linux builds so shared code can compile.
var ErrTxOverflow = errors.New("socketcan tx overflow (stub)")

// ErrUnsupported is returned where raw CAN sockets do not exist.
var ErrUnsupported = errors.New("socketcan unsupported on this platform")
