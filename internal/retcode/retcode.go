// Package retcode defines the return-code taxonomy used at every internal
// boundary of the runtime. Codes travel inside queue elements and on the wire;
// Code.Err and FromError bridge them into normal Go error flow.
package retcode

import "fmt"

// Code is a result of an internal operation.
type Code uint32

const (
	Success Code = iota
	// InvalidInput marks a malformed call: bad param count/type, unknown handle.
	InvalidInput
	// NotExist marks a lookup miss.
	NotExist
	// AlreadyExist marks a duplicate registration.
	AlreadyExist
	// Drain marks an exhausted mock address range.
	Drain
	// NotReady marks data that has not been produced yet (e.g. no checkpoint).
	NotReady
	// NotImplemented marks a stubbed operation.
	NotImplemented
	// Failed is the catch-all device/transport failure.
	Failed
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidInput:
		return "invalid_input"
	case NotExist:
		return "not_exist"
	case AlreadyExist:
		return "already_exist"
	case Drain:
		return "drain"
	case NotReady:
		return "not_ready"
	case NotImplemented:
		return "not_implemented"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("retcode(%d)", uint32(c))
	}
}

// OK reports whether the code is Success.
func (c Code) OK() bool { return c == Success }

// Err converts the code to an error, nil for Success.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return &Error{Code: c}
}

// Error wraps a Code as an error.
type Error struct {
	Code Code
}

func (e *Error) Error() string { return e.Code.String() }

// FromError recovers the Code carried by err, Failed for foreign errors and
// Success for nil.
func FromError(err error) Code {
	if err == nil {
		return Success
	}
	if re, ok := err.(*Error); ok {
		return re.Code
	}
	return Failed
}
