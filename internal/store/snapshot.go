package store

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/ashureev/stockchat/internal/domain"
)

// snapshotVersion prefixes every encoded snapshot.
const snapshotVersion byte = 1

var errSnapshotVersion = errors.New("unsupported snapshot version")

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeSnapshot serializes state as version byte + zstd(CBOR).
// Encoding is deterministic: equal states produce equal bytes.
func EncodeSnapshot(state domain.ConversationState) ([]byte, error) {
	raw, err := encMode.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	out := make([]byte, 1, len(raw)/2+1)
	out[0] = snapshotVersion
	return zstdEncoder.EncodeAll(raw, out), nil
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(data []byte) (*domain.ConversationState, error) {
	if len(data) == 0 || data[0] != snapshotVersion {
		return nil, errSnapshotVersion
	}
	raw, err := zstdDecoder.DecodeAll(data[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var state domain.ConversationState
	if err := decMode.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Messages == nil {
		state.Messages = []domain.Message{}
	}
	return &state, nil
}
