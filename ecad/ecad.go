// Package ecad collects the ESC register addresses the master touches.
package ecad

const (
	Type                 = 0x0000
	Revision             = 0x0001
	Build                = 0x0002
	FMMUsSupported       = 0x0004
	RAMSize              = 0x0006
	PortDescriptor       = 0x0007
	ESCFeaturesSupported = 0x0008

	ConfiguredStationAddress = 0x0010
	ConfiguredStationAlias   = 0x0012

	DLControl = 0x0100
	DLStatus  = 0x0110

	ALControl    = 0x0120
	ALStatus     = 0x0130
	ALStatusCode = 0x0134
	PDIControl   = 0x0140

	ECATEventMask = 0x0200

	RxErrorCounterBase = 0x0300

	WatchdogDivider       = 0x0400
	WatchdogTimePDI       = 0x0410
	WatchdogTimeProcess   = 0x0420
	WatchdogStatusProcess = 0x0440

	ESIEEPROMInterface   = 0x0500
	EEPROMConfiguration  = 0x0500
	EEPROMPDIAccessState = 0x0501
	EEPROMControlStatus  = 0x0502
	EEPROMAddress        = 0x0504
	EEPROMData           = 0x0508

	FMMUBase       = 0x0600
	FMMUChannelLen = 0x10

	SyncManagerBase                = 0x0800
	SyncManagerChannelLen          = 0x08
	SyncManagerPhysStartAddrOffset = 0x00
	SyncManagerLengthOffset        = 0x02
	SyncManagerControlOffset       = 0x04
	SyncManagerStatusOffset        = 0x05
	SyncManagerActivateOffset      = 0x06
	SyncManagerPDIControlOffset    = 0x07

	// Distributed clock block
	DCReceiveTimePort0 = 0x0900
	DCReceiveTimePort1 = 0x0904
	DCReceiveTimePort2 = 0x0908
	DCReceiveTimePort3 = 0x090c
	DCSystemTime       = 0x0910
	DCReceiveTimeUnit  = 0x0918
	DCSystemTimeOffset = 0x0920
	DCSystemTimeDelay  = 0x0928
	DCSystemTimeDelta  = 0x092c
	DCSyncActivation   = 0x0981
	DCSync0CycleTime   = 0x09a0
	DCSync1CycleTime   = 0x09a4
)

// SyncManagerAddr returns the base register address of sync manager channel n.
func SyncManagerAddr(n uint8) uint16 {
	return SyncManagerBase + uint16(n)*SyncManagerChannelLen
}

// SyncManager status register bits.
const (
	SMStatusMailboxFull = 1 << 3
)

// AL Control / AL Status low byte layout.
const (
	ALStateMask   = 0x0f
	ALErrorBit    = 0x10
	ALErrorAckBit = 0x10
	ALIdRequest   = 0x20
)
