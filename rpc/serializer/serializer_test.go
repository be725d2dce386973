package serializer

import (
	"reflect"
	"testing"

	"github.com/quorumkv/qKV/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Put request
		{
			MsgType: common.MsgTKVPut,
			Key:     "test-key",
			Nonce:   42,
			Value:   []byte("test-value"),
		},

		// Get response
		{
			MsgType:  common.MsgTKVGet,
			Value:    []byte("test-value"),
			Checksum: "0f2e3a",
			Ok:       true,
		},

		// Prepare request
		{
			MsgType:  common.MsgTVolPrepare,
			TxnID:    0xdeadbeef,
			Key:      "staged-key",
			Value:    []byte("staged bytes"),
			Checksum: "cafe",
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},

		// Degraded put response with several fields filled
		{
			MsgType:  common.MsgTKVPut,
			Checksum: "abc123",
			Replicas: []string{"vol-a", "vol-c"},
			Ok:       true,
			Degraded: true,
			Meta:     []byte("report-data"),
		},

		// Not-leader redirect
		{
			MsgType:  common.MsgTKVPut,
			Err:      "not the leader",
			LeaderID: 2,
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

// TestBinaryTruncatedInput tests that the binary serializer rejects cut-off data
func TestBinaryTruncatedInput(t *testing.T) {
	s := NewBinarySerializer()
	msg := common.Message{
		MsgType:  common.MsgTVolPrepare,
		TxnID:    7,
		Key:      "some-key",
		Value:    []byte("payload"),
		Checksum: "aa",
	}
	data, err := s.Serialize(msg)
	if err != nil {
		t.Fatalf("Failed to serialize: %v", err)
	}

	for cut := 0; cut < len(data); cut++ {
		var result common.Message
		if err := s.Deserialize(data[:cut], &result); err == nil && cut < len(data) {
			// A shorter prefix may still parse if it cuts exactly between
			// fields, but the header alone must never yield the full message.
			if reflect.DeepEqual(msg, result) {
				t.Errorf("Truncated input of %d bytes deserialized to the full message", cut)
			}
		}
	}
}
