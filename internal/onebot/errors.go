package onebot

import (
	"errors"
	"fmt"
)

// Retcodes. 0 is success; ranges follow the OneBot 12 taxonomy.
const (
	RetOK                     int64 = 0
	RetBadRequest             int64 = 10001
	RetUnsupportedAction      int64 = 10002
	RetBadParam               int64 = 10003
	RetUnsupportedParam       int64 = 10004
	RetUnsupportedSegment     int64 = 10005
	RetBadSegmentData         int64 = 10006
	RetUnsupportedSegmentData int64 = 10007
	RetWhoAmI                 int64 = 10101
	RetUnknownSelf            int64 = 10102
	RetBadHandler             int64 = 20001
	RetInternalHandler        int64 = 20002
	RetDatabaseError          int64 = 31001
	RetFilesystemError        int64 = 32001
	RetNetworkError           int64 = 33001
	RetPlatformError          int64 = 34001
	RetLogicError             int64 = 35001
)

// ActionError is a failure that maps directly to a failed action response.
type ActionError struct {
	Retcode int64
	Message string
	Data    any
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("retcode %d: %s", e.Retcode, e.Message)
}

func NewActionError(retcode int64, format string, args ...any) *ActionError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &ActionError{Retcode: retcode, Message: msg}
}

func BadRequest(format string, args ...any) *ActionError {
	return NewActionError(RetBadRequest, format, args...)
}

func UnsupportedAction(action string) *ActionError {
	return NewActionError(RetUnsupportedAction, "action %s is not supported", action)
}

func BadParam(format string, args ...any) *ActionError {
	return NewActionError(RetBadParam, format, args...)
}

func UnsupportedParam(format string, args ...any) *ActionError {
	return NewActionError(RetUnsupportedParam, format, args...)
}

func UnsupportedSegment(segType string) *ActionError {
	return NewActionError(RetUnsupportedSegment, "segment %s is not supported", segType)
}

func BadSegmentData(format string, args ...any) *ActionError {
	return NewActionError(RetBadSegmentData, format, args...)
}

func WhoAmI() *ActionError {
	return NewActionError(RetWhoAmI, "self is required when more than one bot may be connected")
}

func UnknownSelf(self Self) *ActionError {
	return NewActionError(RetUnknownSelf, "unknown self %s", self.String())
}

func InternalHandler(format string, args ...any) *ActionError {
	return NewActionError(RetInternalHandler, format, args...)
}

func DatabaseError(format string, args ...any) *ActionError {
	return NewActionError(RetDatabaseError, format, args...)
}

func FilesystemError(format string, args ...any) *ActionError {
	return NewActionError(RetFilesystemError, format, args...)
}

func NetworkError(format string, args ...any) *ActionError {
	return NewActionError(RetNetworkError, format, args...)
}

func PlatformError(format string, args ...any) *ActionError {
	return NewActionError(RetPlatformError, format, args...)
}

func LogicError(format string, args ...any) *ActionError {
	return NewActionError(RetLogicError, format, args...)
}

// AsActionError converts err for the wire. Errors that are not ActionErrors
// become internal handler failures carrying the error text.
func AsActionError(err error) *ActionError {
	if err == nil {
		return nil
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae
	}
	return InternalHandler("%s", err.Error())
}
