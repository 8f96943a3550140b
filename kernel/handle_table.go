package kernel

import (
	"encoding/binary"
	"fmt"
)

// Layout of SYSTEM_HANDLE_INFORMATION_EX on 64-bit Windows:
//
//	ULONG_PTR NumberOfHandles;
//	ULONG_PTR Reserved;
//	SYSTEM_HANDLE_TABLE_ENTRY_INFO_EX Handles[1];
//
// with each entry being
//
//	PVOID     Object;
//	ULONG_PTR UniqueProcessId;
//	ULONG_PTR HandleValue;
//	ULONG     GrantedAccess;
//	USHORT    CreatorBackTraceIndex;
//	USHORT    ObjectTypeIndex;
//	ULONG     HandleAttributes;
//	ULONG     Reserved;
const (
	HandleTableHeaderSize = 16
	HandleTableEntrySize  = 40
)

// HandleTableEntry is one handle held by one process, as of the snapshot
type HandleTableEntry struct {
	Object                ObjectAddress
	PID                   ProcessID
	Handle                Handle
	GrantedAccess         uint32
	CreatorBackTraceIndex uint16
	ObjectTypeIndex       ObjectTypeIndex
	Attributes            uint32
}

// HandleTableCount reads NumberOfHandles and checks that the buffer holds that many entries
func HandleTableCount(buf []byte) (int, error) {
	if len(buf) < HandleTableHeaderSize {
		return 0, fmt.Errorf("handle table truncated: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint64(buf[0:8])
	avail := uint64(len(buf)-HandleTableHeaderSize) / HandleTableEntrySize
	if n > avail {
		return 0, fmt.Errorf("handle table claims %d entries but buffer holds %d", n, avail)
	}
	return int(n), nil
}

// DecodeHandleTableEntry decodes entry i. The caller must have validated i with HandleTableCount.
func DecodeHandleTableEntry(buf []byte, i int) HandleTableEntry {
	off := HandleTableHeaderSize + i*HandleTableEntrySize
	e := buf[off : off+HandleTableEntrySize]
	return HandleTableEntry{
		Object:                ObjectAddress(binary.LittleEndian.Uint64(e[0:8])),
		PID:                   ProcessID(binary.LittleEndian.Uint64(e[8:16])),
		Handle:                Handle(binary.LittleEndian.Uint64(e[16:24])),
		GrantedAccess:         binary.LittleEndian.Uint32(e[24:28]),
		CreatorBackTraceIndex: binary.LittleEndian.Uint16(e[28:30]),
		ObjectTypeIndex:       ObjectTypeIndex(binary.LittleEndian.Uint16(e[30:32])),
		Attributes:            binary.LittleEndian.Uint32(e[32:36]),
	}
}

// EncodeHandleTable produces the wire form of entries
func EncodeHandleTable(entries []HandleTableEntry) []byte {
	buf := make([]byte, HandleTableSize(len(entries)))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(entries)))
	for i, entry := range entries {
		off := HandleTableHeaderSize + i*HandleTableEntrySize
		e := buf[off : off+HandleTableEntrySize]
		binary.LittleEndian.PutUint64(e[0:8], uint64(entry.Object))
		binary.LittleEndian.PutUint64(e[8:16], uint64(entry.PID))
		binary.LittleEndian.PutUint64(e[16:24], uint64(entry.Handle))
		binary.LittleEndian.PutUint32(e[24:28], entry.GrantedAccess)
		binary.LittleEndian.PutUint16(e[28:30], entry.CreatorBackTraceIndex)
		binary.LittleEndian.PutUint16(e[30:32], uint16(entry.ObjectTypeIndex))
		binary.LittleEndian.PutUint32(e[32:36], entry.Attributes)
	}
	return buf
}

// HandleTableSize is the number of bytes needed for n entries
func HandleTableSize(n int) int {
	return HandleTableHeaderSize + n*HandleTableEntrySize
}
