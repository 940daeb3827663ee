// Package errkind enumerates the surface error kinds of a streaming run.
//
// These are never returned by the hot decode path (packet, cluster,
// coincidence never fail per design); they surface from configuration,
// TdcRef construction, and socket I/O.
package errkind

import "errors"

// Kind tags a TpxError with one of the named failure categories.
type Kind int

const (
	SetBin Kind = iota
	SetByteDepth
	SetCumul
	SetMode
	SetXSize
	SetYSize
	SetNoReadFile
	SetNoWriteFile

	TdcNoReceived
	TdcBadPeriod
	TdcBadHighTime
	TdcNotAscendingOrder
	TdcZeroBytes

	MiscModeNotImplemented

	TimepixReadLoop
	TimepixReadOver

	CoincidenceFolderAlreadyCreated

	IsiBoxAttempt
	IsiBoxCouldNotConnect
	IsiBoxCouldNotSync
)

var names = map[Kind]string{
	SetBin:                           "SetBin",
	SetByteDepth:                     "SetByteDepth",
	SetCumul:                         "SetCumul",
	SetMode:                          "SetMode",
	SetXSize:                         "SetXSize",
	SetYSize:                        "SetYSize",
	SetNoReadFile:                    "SetNoReadFile",
	SetNoWriteFile:                   "SetNoWriteFile",
	TdcNoReceived:                    "TdcNoReceived",
	TdcBadPeriod:                     "TdcBadPeriod",
	TdcBadHighTime:                   "TdcBadHighTime",
	TdcNotAscendingOrder:             "TdcNotAscendingOrder",
	TdcZeroBytes:                     "TdcZeroBytes",
	MiscModeNotImplemented:           "MiscModeNotImplemented",
	TimepixReadLoop:                  "TimepixReadLoop",
	TimepixReadOver:                  "TimepixReadOver",
	CoincidenceFolderAlreadyCreated:  "CoincidenceFolderAlreadyCreated",
	IsiBoxAttempt:                    "IsiBoxAttempt",
	IsiBoxCouldNotConnect:            "IsiBoxCouldNotConnect",
	IsiBoxCouldNotSync:               "IsiBoxCouldNotSync",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "Unknown"
}

// TpxError wraps a Kind with the underlying cause, following the
// sentinel-error style used throughout the detector control stack:
// a fixed vocabulary of named failures, each wrapping a lower-level
// errors.New or an I/O error.
type TpxError struct {
	Kind Kind
	Err  error
}

func (e *TpxError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *TpxError) Unwrap() error { return e.Err }

// New builds a TpxError with a plain string cause.
func New(kind Kind, msg string) *TpxError {
	return &TpxError{Kind: kind, Err: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, err error) *TpxError {
	return &TpxError{Kind: kind, Err: err}
}

var (
	ErrTdcNoReceived        = errors.New("TDC prelude did not yield three ascending pulses before timeout")
	ErrTdcBadPeriod         = errors.New("last two TDC pulses are not in ascending order")
	ErrTdcBadHighTime       = errors.New("no matching preceding rising pulse for high_time")
	ErrTdcNotAscendingOrder = errors.New("TDC pulse times decreased")
	ErrTimepixReadOver      = errors.New("detector socket closed mid-word")
	ErrIsiBoxCouldNotConnect = errors.New("could not connect to IsiBox channel socket")
)
