package ecad

import (
	"fmt"
)

// ALStatusCodeValue is the diagnostic code a slave latches into register
// 0x0134 when it refuses or drops an application layer state.
type ALStatusCodeValue uint16

const (
	ALCodeNoError                   ALStatusCodeValue = 0x0000
	ALCodeUnspecifiedError          ALStatusCodeValue = 0x0001
	ALCodeNoMemory                  ALStatusCodeValue = 0x0002
	ALCodeInvalidRequestedState     ALStatusCodeValue = 0x0011
	ALCodeUnknownRequestedState     ALStatusCodeValue = 0x0012
	ALCodeBootstrapNotSupported     ALStatusCodeValue = 0x0013
	ALCodeNoValidFirmware           ALStatusCodeValue = 0x0014
	ALCodeInvalidMailboxConfig      ALStatusCodeValue = 0x0016
	ALCodeInvalidSyncManagerConfig  ALStatusCodeValue = 0x0017
	ALCodeNoValidInputs             ALStatusCodeValue = 0x0018
	ALCodeNoValidOutputs            ALStatusCodeValue = 0x0019
	ALCodeSynchronizationError      ALStatusCodeValue = 0x001a
	ALCodeSyncManagerWatchdog       ALStatusCodeValue = 0x001b
	ALCodeInvalidInputConfig        ALStatusCodeValue = 0x001d
	ALCodeInvalidOutputConfig       ALStatusCodeValue = 0x001e
	ALCodeFreerunNotSupported       ALStatusCodeValue = 0x0023
	ALCodeSyncModeNotSupported      ALStatusCodeValue = 0x0024
	ALCodeInvalidDCSyncConfig       ALStatusCodeValue = 0x0030
	ALCodeInvalidDCLatchConfig      ALStatusCodeValue = 0x0031
	ALCodePLLError                  ALStatusCodeValue = 0x0032
	ALCodeDCSyncIOError             ALStatusCodeValue = 0x0033
	ALCodeDCSyncTimeoutError        ALStatusCodeValue = 0x0034
	ALCodeMailboxEoE                ALStatusCodeValue = 0x0042
	ALCodeMailboxCoE                ALStatusCodeValue = 0x0043
	ALCodeMailboxFoE                ALStatusCodeValue = 0x0044
	ALCodeMailboxSoE                ALStatusCodeValue = 0x0045
	ALCodeMailboxVoE                ALStatusCodeValue = 0x004f
)

var alStatusCodeName = map[ALStatusCodeValue]string{
	ALCodeNoError:                  "no error",
	ALCodeUnspecifiedError:         "unspecified error",
	ALCodeNoMemory:                 "no memory",
	ALCodeInvalidRequestedState:    "invalid requested state change",
	ALCodeUnknownRequestedState:    "unknown requested state",
	ALCodeBootstrapNotSupported:    "bootstrap not supported",
	ALCodeNoValidFirmware:          "no valid firmware",
	ALCodeInvalidMailboxConfig:     "invalid mailbox configuration",
	ALCodeInvalidSyncManagerConfig: "invalid sync manager configuration",
	ALCodeNoValidInputs:            "no valid inputs available",
	ALCodeNoValidOutputs:           "no valid outputs",
	ALCodeSynchronizationError:     "synchronization error",
	ALCodeSyncManagerWatchdog:      "sync manager watchdog",
	ALCodeInvalidInputConfig:       "invalid input configuration",
	ALCodeInvalidOutputConfig:      "invalid output configuration",
	ALCodeFreerunNotSupported:      "freerun not supported",
	ALCodeSyncModeNotSupported:     "synchronization not supported",
	ALCodeInvalidDCSyncConfig:      "invalid DC sync configuration",
	ALCodeInvalidDCLatchConfig:     "invalid DC latch configuration",
	ALCodePLLError:                 "PLL error",
	ALCodeDCSyncIOError:            "DC sync IO error",
	ALCodeDCSyncTimeoutError:       "DC sync timeout",
	ALCodeMailboxEoE:               "EoE mailbox communication error",
	ALCodeMailboxCoE:               "CoE mailbox communication error",
	ALCodeMailboxFoE:               "FoE mailbox communication error",
	ALCodeMailboxSoE:               "SoE mailbox communication error",
	ALCodeMailboxVoE:               "VoE mailbox communication error",
}

func (c ALStatusCodeValue) String() string {
	if s, ok := alStatusCodeName[c]; ok {
		return fmt.Sprintf("%#04x (%s)", uint16(c), s)
	}
	return fmt.Sprintf("%#04x", uint16(c))
}
