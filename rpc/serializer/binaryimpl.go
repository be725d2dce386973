package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/quorumkv/qKV/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey      uint16 = 1 << 0
	hasValue    uint16 = 1 << 1
	hasTxnID    uint16 = 1 << 2
	hasNonce    uint16 = 1 << 3
	hasSize     uint16 = 1 << 4
	hasChecksum uint16 = 1 << 5
	hasReplicas uint16 = 1 << 6
	hasOk       uint16 = 1 << 7
	hasDegraded uint16 = 1 << 8
	hasLeaderID uint16 = 1 << 9
	hasErr      uint16 = 1 << 10
	hasMeta     uint16 = 1 << 11
)

// headerSize is one byte message type plus two bytes field flags
const headerSize = 3

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (s binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, s.sizeBytes(msg))

	// Write message type
	result[0] = byte(msg.MsgType)

	// Flags are filled in while writing the fields
	var flags uint16
	pos := headerSize

	if msg.Key != "" {
		flags |= hasKey
		pos += putString32(result[pos:], msg.Key)
	}
	if len(msg.Value) > 0 {
		flags |= hasValue
		binary.BigEndian.PutUint32(result[pos:], uint32(len(msg.Value)))
		pos += 4 + copy(result[pos+4:], msg.Value)
	}
	if msg.TxnID != 0 {
		flags |= hasTxnID
		binary.BigEndian.PutUint64(result[pos:], msg.TxnID)
		pos += 8
	}
	if msg.Nonce != 0 {
		flags |= hasNonce
		binary.BigEndian.PutUint64(result[pos:], msg.Nonce)
		pos += 8
	}
	if msg.Size != 0 {
		flags |= hasSize
		binary.BigEndian.PutUint64(result[pos:], msg.Size)
		pos += 8
	}
	if msg.Checksum != "" {
		flags |= hasChecksum
		pos += putString16(result[pos:], msg.Checksum)
	}
	if len(msg.Replicas) > 0 {
		flags |= hasReplicas
		binary.BigEndian.PutUint16(result[pos:], uint16(len(msg.Replicas)))
		pos += 2
		for _, r := range msg.Replicas {
			pos += putString16(result[pos:], r)
		}
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Degraded {
		flags |= hasDegraded
	}
	if msg.LeaderID != 0 {
		flags |= hasLeaderID
		binary.BigEndian.PutUint64(result[pos:], uint64(int64(msg.LeaderID)))
		pos += 8
	}
	if msg.Err != "" {
		flags |= hasErr
		pos += putString32(result[pos:], msg.Err)
	}
	if len(msg.Meta) > 0 {
		flags |= hasMeta
		binary.BigEndian.PutUint32(result[pos:], uint32(len(msg.Meta)))
		pos += 4 + copy(result[pos+4:], msg.Meta)
	}

	binary.BigEndian.PutUint16(result[1:3], flags)
	return result[:pos], nil
}

func (s binarySerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if len(b) < headerSize {
		return fmt.Errorf("message too short: %d bytes", len(b))
	}

	*msg = common.Message{MsgType: common.MessageType(b[0])}
	flags := binary.BigEndian.Uint16(b[1:3])
	pos := headerSize

	var err error
	if flags&hasKey != 0 {
		if msg.Key, pos, err = getString32(b, pos); err != nil {
			return fmt.Errorf("key: %w", err)
		}
	}
	if flags&hasValue != 0 {
		if msg.Value, pos, err = getBytes32(b, pos); err != nil {
			return fmt.Errorf("value: %w", err)
		}
	}
	if flags&hasTxnID != 0 {
		if msg.TxnID, pos, err = getUint64(b, pos); err != nil {
			return fmt.Errorf("txn id: %w", err)
		}
	}
	if flags&hasNonce != 0 {
		if msg.Nonce, pos, err = getUint64(b, pos); err != nil {
			return fmt.Errorf("nonce: %w", err)
		}
	}
	if flags&hasSize != 0 {
		if msg.Size, pos, err = getUint64(b, pos); err != nil {
			return fmt.Errorf("size: %w", err)
		}
	}
	if flags&hasChecksum != 0 {
		if msg.Checksum, pos, err = getString16(b, pos); err != nil {
			return fmt.Errorf("checksum: %w", err)
		}
	}
	if flags&hasReplicas != 0 {
		if pos+2 > len(b) {
			return fmt.Errorf("replicas: truncated count")
		}
		count := int(binary.BigEndian.Uint16(b[pos:]))
		pos += 2
		msg.Replicas = make([]string, count)
		for i := 0; i < count; i++ {
			if msg.Replicas[i], pos, err = getString16(b, pos); err != nil {
				return fmt.Errorf("replica %d: %w", i, err)
			}
		}
	}
	msg.Ok = flags&hasOk != 0
	msg.Degraded = flags&hasDegraded != 0
	if flags&hasLeaderID != 0 {
		var v uint64
		if v, pos, err = getUint64(b, pos); err != nil {
			return fmt.Errorf("leader id: %w", err)
		}
		msg.LeaderID = int(int64(v))
	}
	if flags&hasErr != 0 {
		if msg.Err, pos, err = getString32(b, pos); err != nil {
			return fmt.Errorf("err: %w", err)
		}
	}
	if flags&hasMeta != 0 {
		if msg.Meta, pos, err = getBytes32(b, pos); err != nil {
			return fmt.Errorf("meta: %w", err)
		}
	}
	_ = pos
	return nil
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// sizeBytes returns an upper bound for the serialized message size
func (s binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize
	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if len(msg.Value) > 0 {
		size += 4 + len(msg.Value)
	}
	if msg.TxnID != 0 {
		size += 8
	}
	if msg.Nonce != 0 {
		size += 8
	}
	if msg.Size != 0 {
		size += 8
	}
	if msg.Checksum != "" {
		size += 2 + len(msg.Checksum)
	}
	if len(msg.Replicas) > 0 {
		size += 2
		for _, r := range msg.Replicas {
			size += 2 + len(r)
		}
	}
	if msg.LeaderID != 0 {
		size += 8
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if len(msg.Meta) > 0 {
		size += 4 + len(msg.Meta)
	}
	return size
}

func putString32(dst []byte, s string) int {
	binary.BigEndian.PutUint32(dst, uint32(len(s)))
	return 4 + copy(dst[4:], s)
}

func putString16(dst []byte, s string) int {
	binary.BigEndian.PutUint16(dst, uint16(len(s)))
	return 2 + copy(dst[2:], s)
}

func getUint64(b []byte, pos int) (uint64, int, error) {
	if pos+8 > len(b) {
		return 0, pos, fmt.Errorf("truncated uint64")
	}
	return binary.BigEndian.Uint64(b[pos:]), pos + 8, nil
}

func getString16(b []byte, pos int) (string, int, error) {
	if pos+2 > len(b) {
		return "", pos, fmt.Errorf("truncated length")
	}
	n := int(binary.BigEndian.Uint16(b[pos:]))
	pos += 2
	if pos+n > len(b) {
		return "", pos, fmt.Errorf("truncated data")
	}
	return string(b[pos : pos+n]), pos + n, nil
}

func getString32(b []byte, pos int) (string, int, error) {
	if pos+4 > len(b) {
		return "", pos, fmt.Errorf("truncated length")
	}
	n := int(binary.BigEndian.Uint32(b[pos:]))
	pos += 4
	if pos+n > len(b) {
		return "", pos, fmt.Errorf("truncated data")
	}
	return string(b[pos : pos+n]), pos + n, nil
}

func getBytes32(b []byte, pos int) ([]byte, int, error) {
	if pos+4 > len(b) {
		return nil, pos, fmt.Errorf("truncated length")
	}
	n := int(binary.BigEndian.Uint32(b[pos:]))
	pos += 4
	if pos+n > len(b) {
		return nil, pos, fmt.Errorf("truncated data")
	}
	out := make([]byte, n)
	copy(out, b[pos:pos+n])
	return out, pos + n, nil
}
