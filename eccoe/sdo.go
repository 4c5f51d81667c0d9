package eccoe

import (
	"errors"
	"fmt"
)

// sdoHeaderLen covers the command byte, the index word and the subindex.
const sdoHeaderLen = 4

// sdoDataLen is the fixed data area of an initiate frame; expedited
// transfers carry their value here, normal transfers their total size.
const sdoDataLen = 4

// command byte layout
const (
	sdoSizeIndicator  = 1 << 0
	sdoExpedited      = 1 << 1
	sdoDataSetSizePos = 2
	sdoDataSetSizeMsk = 0x03
	sdoCompleteAccess = 1 << 4
	sdoSpecifierPos   = 5
)

// command specifiers
const (
	specDownloadSegment = 0
	specDownloadInit    = 1
	specUploadInit      = 2
	specUploadSegment   = 3
	specAbort           = 4
)

// server side specifiers
const (
	specUploadInitRes   = 2
	specDownloadInitRes = 3
)

// AbortCode is the 32 bit diagnostic a slave sends instead of an SDO
// response.
type AbortCode uint32

const (
	AbortToggleBit           AbortCode = 0x05030000
	AbortTimeout             AbortCode = 0x05040000
	AbortUnknownSpecifier    AbortCode = 0x05040001
	AbortOutOfMemory         AbortCode = 0x05040005
	AbortUnsupportedAccess   AbortCode = 0x06010000
	AbortWriteOnly           AbortCode = 0x06010001
	AbortReadOnly            AbortCode = 0x06010002
	AbortObjectMissing       AbortCode = 0x06020000
	AbortNoPDOMapping        AbortCode = 0x06040041
	AbortPDOLengthExceeded   AbortCode = 0x06040042
	AbortParameterIncompat   AbortCode = 0x06040043
	AbortHardwareFault       AbortCode = 0x06060000
	AbortTypeMismatch        AbortCode = 0x06070010
	AbortTypeTooLong         AbortCode = 0x06070012
	AbortTypeTooShort        AbortCode = 0x06070013
	AbortSubindexMissing     AbortCode = 0x06090011
	AbortValueRangeExceeded  AbortCode = 0x06090030
	AbortValueTooHigh        AbortCode = 0x06090031
	AbortValueTooLow         AbortCode = 0x06090032
	AbortGeneralError        AbortCode = 0x08000000
	AbortTransferFailed      AbortCode = 0x08000020
	AbortTransferLocalError  AbortCode = 0x08000021
	AbortTransferDeviceState AbortCode = 0x08000022
	AbortNoObjectDictionary  AbortCode = 0x08000023
)

var abortCodeName = map[AbortCode]string{
	AbortToggleBit:           "toggle bit not changed",
	AbortTimeout:             "SDO protocol timeout",
	AbortUnknownSpecifier:    "command specifier unknown",
	AbortOutOfMemory:         "out of memory",
	AbortUnsupportedAccess:   "unsupported access",
	AbortWriteOnly:           "object is write only",
	AbortReadOnly:            "object is read only",
	AbortObjectMissing:       "object does not exist",
	AbortNoPDOMapping:        "object cannot be mapped into a PDO",
	AbortPDOLengthExceeded:   "mapped objects exceed PDO length",
	AbortParameterIncompat:   "general parameter incompatibility",
	AbortHardwareFault:       "access failed due to hardware error",
	AbortTypeMismatch:        "data type does not match",
	AbortTypeTooLong:         "data type length too high",
	AbortTypeTooShort:        "data type length too low",
	AbortSubindexMissing:     "subindex does not exist",
	AbortValueRangeExceeded:  "value range exceeded",
	AbortValueTooHigh:        "value too high",
	AbortValueTooLow:         "value too low",
	AbortGeneralError:        "general error",
	AbortTransferFailed:      "data cannot be transferred",
	AbortTransferLocalError:  "data cannot be transferred, local control",
	AbortTransferDeviceState: "data cannot be transferred, device state",
	AbortNoObjectDictionary:  "object dictionary not present",
}

func (c AbortCode) String() string {
	if s, ok := abortCodeName[c]; ok {
		return fmt.Sprintf("%#010x (%s)", uint32(c), s)
	}
	return fmt.Sprintf("%#010x", uint32(c))
}

// SdoAbortError carries a slave's abort of an SDO transfer. The transfer is
// over; the mailbox is free for the next request.
type SdoAbortError struct {
	Index    uint16
	Subindex uint8
	Code     AbortCode
}

func (e SdoAbortError) Error() string {
	return fmt.Sprintf("eccoe: slave aborted SDO %#04x:%d, code %v", e.Index, e.Subindex, e.Code)
}

// ErrTransferTooLarge rejects a transfer that would need segmenting.
var ErrTransferTooLarge = errors.New("eccoe: transfer does not fit a single mailbox frame")

// ErrMalformedResponse flags an SDO response the engine cannot decode.
var ErrMalformedResponse = errors.New("eccoe: malformed SDO response")

// sdoInitiate is the decoded initiate frame shared by requests and
// responses.
type sdoInitiate struct {
	Specifier      uint8
	SizeIndicator  bool
	Expedited      bool
	DataSetSize    uint8
	CompleteAccess bool
	Index          uint16
	Subindex       uint8
}

func (s sdoInitiate) encode(b []byte) {
	cmd := s.Specifier << sdoSpecifierPos
	if s.SizeIndicator {
		cmd |= sdoSizeIndicator
	}
	if s.Expedited {
		cmd |= sdoExpedited
	}
	cmd |= s.DataSetSize & sdoDataSetSizeMsk << sdoDataSetSizePos
	if s.CompleteAccess {
		cmd |= sdoCompleteAccess
	}
	b[0] = cmd
	b[1] = uint8(s.Index)
	b[2] = uint8(s.Index >> 8)
	b[3] = s.Subindex
}

func decodeSdoInitiate(b []byte) sdoInitiate {
	return sdoInitiate{
		Specifier:      b[0] >> sdoSpecifierPos,
		SizeIndicator:  b[0]&sdoSizeIndicator != 0,
		Expedited:      b[0]&sdoExpedited != 0,
		DataSetSize:    b[0] >> sdoDataSetSizePos & sdoDataSetSizeMsk,
		CompleteAccess: b[0]&sdoCompleteAccess != 0,
		Index:          uint16(b[1]) | uint16(b[2])<<8,
		Subindex:       b[3],
	}
}
