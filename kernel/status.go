package kernel

import "fmt"

// NTSTATUS is the return type used by native Windows functions
type NTSTATUS uint32

const (
	StatusSuccess              NTSTATUS = 0x00000000
	StatusNoMoreEntries        NTSTATUS = 0x8000001A
	StatusInfoLengthMismatch   NTSTATUS = 0xC0000004
	StatusInvalidHandle        NTSTATUS = 0xC0000008
	StatusInvalidParameter     NTSTATUS = 0xC000000D
	StatusNoMemory             NTSTATUS = 0xC0000017
	StatusAccessDenied         NTSTATUS = 0xC0000022
	StatusBufferTooSmall       NTSTATUS = 0xC0000023
	StatusProcessIsTerminating NTSTATUS = 0xC000010A
)

var statusNames = map[NTSTATUS]string{
	StatusSuccess:              "STATUS_SUCCESS",
	StatusNoMoreEntries:        "STATUS_NO_MORE_ENTRIES",
	StatusInfoLengthMismatch:   "STATUS_INFO_LENGTH_MISMATCH",
	StatusInvalidHandle:        "STATUS_INVALID_HANDLE",
	StatusInvalidParameter:     "STATUS_INVALID_PARAMETER",
	StatusNoMemory:             "STATUS_NO_MEMORY",
	StatusAccessDenied:         "STATUS_ACCESS_DENIED",
	StatusBufferTooSmall:       "STATUS_BUFFER_TOO_SMALL",
	StatusProcessIsTerminating: "STATUS_PROCESS_IS_TERMINATING",
}

// IsSuccess follows NT_SUCCESS: informational and success codes are non-negative
func (s NTSTATUS) IsSuccess() bool {
	return int32(s) >= 0
}

func (s NTSTATUS) Error() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (0x%08X)", name, uint32(s))
	}
	return fmt.Sprintf("NTSTATUS 0x%08X", uint32(s))
}

func (s NTSTATUS) String() string {
	return s.Error()
}
