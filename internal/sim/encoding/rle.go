// Package encoding packs cell contents for the wire.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Name is the value carried in the encoding field of CHUNK_LOAD messages.
const Name = "RLE"

// AppendRLE appends (palette_id, run_len) uvarint pairs for ids to dst.
func AppendRLE(dst []byte, ids []uint16) []byte {
	buf := bytes.NewBuffer(dst)
	var tmp [binary.MaxVarintLen64]byte
	for i := 0; i < len(ids); {
		id := ids[i]
		run := 1
		for i+run < len(ids) && ids[i+run] == id {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(id))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
	return buf.Bytes()
}

// ParseRLE expands uvarint pairs produced by AppendRLE. limit caps the
// number of ids produced; 0 means no cap.
func ParseRLE(raw []byte, limit int) ([]uint16, error) {
	var out []uint16
	for i := 0; i < len(raw); {
		id, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if id > 0xFFFF {
			return nil, fmt.Errorf("palette id too large: %d", id)
		}
		if limit > 0 && uint64(len(out))+run > uint64(limit) {
			return nil, fmt.Errorf("run overflows cell: %d+%d > %d", len(out), run, limit)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(id))
		}
	}
	return out, nil
}

// EncodeCell is AppendRLE wrapped in standard base64.
func EncodeCell(ids []uint16) string {
	return base64.StdEncoding.EncodeToString(AppendRLE(nil, ids))
}

func DecodeCell(b64 string, limit int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	return ParseRLE(raw, limit)
}
