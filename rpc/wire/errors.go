package wire

import "errors"

var (
	ErrShortHeader     = errors.New("wire: buffer shorter than header")
	ErrNonZeroReserved = errors.New("wire: non-zero reserved field under strict decode")
)
