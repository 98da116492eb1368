package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
)

func frame(meta, crate []byte) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(meta)))
	buf.Write(lenBuf[:])
	buf.Write(meta)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(crate)))
	buf.Write(lenBuf[:])
	buf.Write(crate)
	return buf.Bytes()
}

func TestParsePublishFrame(t *testing.T) {
	meta, _ := json.Marshal(CrateInfo{Name: "foo", Vers: "1.0.0"})
	crate := []byte("fake crate bytes")
	payload := frame(meta, crate)

	info, data, err := ParsePublishFrame(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Name != "foo" || info.Vers != "1.0.0" {
		t.Fatalf("unexpected metadata: %+v", info)
	}
	if string(data) != "fake crate bytes" {
		t.Fatalf("unexpected crate bytes: %q", data)
	}
}

func TestParsePublishFrameRejectsOversizedMetadata(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], maxFrameLen+1)
	buf.Write(lenBuf[:])

	if _, _, err := ParsePublishFrame(&buf); err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestParsePublishFrameRejectsTruncatedInput(t *testing.T) {
	if _, _, err := ParsePublishFrame(bytes.NewReader([]byte{1, 0})); err == nil {
		t.Fatal("expected error for truncated length prefix")
	}
}

func TestIsStable(t *testing.T) {
	cases := map[string]bool{
		"1.0.0":            true,
		"1.0.0-alpha.1":    false,
		"1.0.0+build.5":    false,
		"2.3.4":            true,
	}
	for v, want := range cases {
		if got := isStable(v); got != want {
			t.Errorf("isStable(%q) = %v, want %v", v, got, want)
		}
	}
}
