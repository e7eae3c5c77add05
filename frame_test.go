package netmod

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestFrameWriterReaderRoundTrip(t *testing.T) {
	id := uuid.New()
	buf := make([]byte, 1+4+2+16+3)

	w := newFrameWriter(buf)
	w.writeUint8(0x42)
	w.writeUint32(0xDEADBEEF)
	w.writeUint16(0xBEEF)
	w.writeIdentity(id)
	w.writeBytes([]byte{1, 2, 3})

	r := newFrameReader(buf)
	assert.Equal(t, uint8(0x42), r.readUint8())
	assert.Equal(t, uint32(0xDEADBEEF), r.readUint32())
	assert.Equal(t, uint16(0xBEEF), r.readUint16())
	assert.Equal(t, id, r.readIdentity())
	assert.Equal(t, []byte{1, 2, 3}, r.rest())
}

func TestFrameWriterSkipLeavesBytesUntouched(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5}
	w := newFrameWriter(buf)
	w.skip(2)
	w.writeUint8(9)
	assert.Equal(t, []byte{1, 2, 9, 4, 5}, buf)
}

func TestBitWriterReaderRoundTripVariousWidths(t *testing.T) {
	buf := make([]byte, 16)
	w := newBitWriter(buf)
	w.writeUint(0x1, 1)
	w.writeUint(0x5, 3)
	w.writeUint(0x1FF, 9)
	w.writeUint(0xABCDE, 20)

	r := newBitReader(buf)
	assert.Equal(t, uint32(0x1), r.readUint(1))
	assert.Equal(t, uint32(0x5), r.readUint(3))
	assert.Equal(t, uint32(0x1FF), r.readUint(9))
	assert.Equal(t, uint32(0xABCDE), r.readUint(20))
}
