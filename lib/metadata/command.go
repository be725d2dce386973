package metadata

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTPutKey         CommandType = iota // Record a committed write with its placement.
	CommandTTombstoneKey                      // Mark a key as deleted.
	CommandTAssignShard                       // Pin a shard to a replica set (rebalance step).
	CommandTRegisterVolume                    // Add a volume to the registry.
	CommandTVolumeState                       // Update the liveness state of a volume.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTPutKey:
		return "PutKey"
	case CommandTTombstoneKey:
		return "TombstoneKey"
	case CommandTAssignShard:
		return "AssignShard"
	case CommandTRegisterVolume:
		return "RegisterVolume"
	case CommandTVolumeState:
		return "VolumeState"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command flag bits.
const (
	// FlagDegraded marks a PutKey whose replica set is incomplete: the
	// write committed on a quorum but at least one replica is missing the
	// object and needs repair.
	FlagDegraded uint8 = 1 << iota
)

// Command represents a single entry in the replicated log. Not every
// field is meaningful for every type; unused fields serialize as zero.
type Command struct {
	Type      CommandType
	Flags     uint8
	Shard     uint32 // AssignShard only
	Nonce     uint64 // client supplied write nonce, dedup token
	Size      uint64 // object size in bytes (PutKey)
	Timestamp uint64 // unix nanoseconds at the commit decision
	Key       string // object key, or volume ID for registry commands
	Checksum  string // hex content hash (PutKey), or volume address (RegisterVolume)
	Volumes   []string
}

const commandHeaderSize = 1 + 1 + 4 + 8 + 8 + 8 + 4 + 4 + 2 // fixed fields + key/checksum lengths + volume count

// SizeBytes returns the exact number of bytes needed to serialize this command.
func (command *Command) SizeBytes() int {
	size := commandHeaderSize + len(command.Key) + len(command.Checksum)
	for _, v := range command.Volumes {
		size += 2 + len(v)
	}
	return size
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 1 byte for flags,
// 4 bytes for shard (big endian),
// 8 bytes for nonce,
// 8 bytes for size,
// 8 bytes for timestamp,
// 4 bytes for key length, N bytes for key data,
// 4 bytes for checksum length, N bytes for checksum data,
// 2 bytes for volume count, then per volume 2 bytes length + data.
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	result[1] = command.Flags
	binary.BigEndian.PutUint32(result[2:6], command.Shard)
	binary.BigEndian.PutUint64(result[6:14], command.Nonce)
	binary.BigEndian.PutUint64(result[14:22], command.Size)
	binary.BigEndian.PutUint64(result[22:30], command.Timestamp)

	binary.BigEndian.PutUint32(result[30:34], uint32(len(command.Key)))
	off := 34 + copy(result[34:], command.Key)

	binary.BigEndian.PutUint32(result[off:off+4], uint32(len(command.Checksum)))
	off += 4
	off += copy(result[off:], command.Checksum)

	binary.BigEndian.PutUint16(result[off:off+2], uint16(len(command.Volumes)))
	off += 2
	for _, v := range command.Volumes {
		binary.BigEndian.PutUint16(result[off:off+2], uint16(len(v)))
		off += 2
		off += copy(result[off:], v)
	}

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < commandHeaderSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.Flags = data[1]
	command.Shard = binary.BigEndian.Uint32(data[2:6])
	command.Nonce = binary.BigEndian.Uint64(data[6:14])
	command.Size = binary.BigEndian.Uint64(data[14:22])
	command.Timestamp = binary.BigEndian.Uint64(data[22:30])

	keyLen := binary.BigEndian.Uint32(data[30:34])
	if uint32(len(data)) < 34+keyLen+4 {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}
	command.Key = string(data[34 : 34+keyLen])
	off := 34 + int(keyLen)

	checksumLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if len(data) < off+int(checksumLen)+2 {
		return fmt.Errorf("data too short for checksum of length %d", checksumLen)
	}
	command.Checksum = string(data[off : off+int(checksumLen)])
	off += int(checksumLen)

	count := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if count == 0 {
		command.Volumes = nil
		return nil
	}
	command.Volumes = make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < off+2 {
			return fmt.Errorf("data too short for volume %d length", i)
		}
		vLen := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if len(data) < off+vLen {
			return fmt.Errorf("data too short for volume %d of length %d", i, vLen)
		}
		command.Volumes = append(command.Volumes, string(data[off:off+vLen]))
		off += vLen
	}
	return nil
}
