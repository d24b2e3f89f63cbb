package checkpoint

import (
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/convey/core"
)

// Marks are serialized with the MUS format: path, fingerprint,
// completion time as Unix microseconds.

func marshalMark(mark *Mark) []byte {
	completedAt := mark.CompletedAt.UnixMicro()
	size := ord.String.Size(mark.Path) +
		varint.Uint64.Size(uint64(mark.Fingerprint)) +
		varint.Int64.Size(completedAt)

	buf := make([]byte, size)
	n := ord.String.Marshal(mark.Path, buf)
	n += varint.Uint64.Marshal(uint64(mark.Fingerprint), buf[n:])
	varint.Int64.Marshal(completedAt, buf[n:])
	return buf
}

func unmarshalMark(data []byte) (*Mark, error) {
	path, n, err := ord.String.Unmarshal(data)
	if err != nil {
		return nil, err
	}

	fingerprint, m, err := varint.Uint64.Unmarshal(data[n:])
	if err != nil {
		return nil, err
	}
	n += m

	completedAt, _, err := varint.Int64.Unmarshal(data[n:])
	if err != nil {
		return nil, err
	}

	return &Mark{
		Path:        path,
		Fingerprint: core.ID(fingerprint),
		CompletedAt: time.UnixMicro(completedAt).UTC(),
	}, nil
}
