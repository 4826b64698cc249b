// Package fb holds the FlatBuffers accessors for the result cache header.
// They follow the table layout in result.fbs; a field added there needs a
// matching accessor and builder helper here, in slot order.
package fb

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

type ResultHeader struct {
	_tab flatbuffers.Table
}

func GetRootAsResultHeader(buf []byte, offset flatbuffers.UOffsetT) *ResultHeader {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &ResultHeader{}
	x.Init(buf, n+offset)
	return x
}

func FinishResultHeaderBuffer(builder *flatbuffers.Builder, offset flatbuffers.UOffsetT) {
	builder.Finish(offset)
}

func (rcv *ResultHeader) Init(buf []byte, i flatbuffers.UOffsetT) {
	rcv._tab.Bytes = buf
	rcv._tab.Pos = i
}

func (rcv *ResultHeader) Table() flatbuffers.Table {
	return rcv._tab
}

func (rcv *ResultHeader) Version() uint16 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.GetUint16(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutateVersion(n uint16) bool {
	return rcv._tab.MutateUint16Slot(4, n)
}

func (rcv *ResultHeader) Width() int32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.GetInt32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutateWidth(n int32) bool {
	return rcv._tab.MutateInt32Slot(6, n)
}

func (rcv *ResultHeader) Height() int32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(8))
	if o != 0 {
		return rcv._tab.GetInt32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutateHeight(n int32) bool {
	return rcv._tab.MutateInt32Slot(8, n)
}

func (rcv *ResultHeader) Format() byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(10))
	if o != 0 {
		return rcv._tab.GetByte(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutateFormat(n byte) bool {
	return rcv._tab.MutateByteSlot(10, n)
}

func (rcv *ResultHeader) MimeType() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(12))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *ResultHeader) SourceWidth() int32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(14))
	if o != 0 {
		return rcv._tab.GetInt32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutateSourceWidth(n int32) bool {
	return rcv._tab.MutateInt32Slot(14, n)
}

func (rcv *ResultHeader) SourceHeight() int32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(16))
	if o != 0 {
		return rcv._tab.GetInt32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutateSourceHeight(n int32) bool {
	return rcv._tab.MutateInt32Slot(16, n)
}

func (rcv *ResultHeader) Orientation() byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(18))
	if o != 0 {
		return rcv._tab.GetByte(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutateOrientation(n byte) bool {
	return rcv._tab.MutateByteSlot(18, n)
}

func (rcv *ResultHeader) Transformed(j int) []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(20))
	if o != 0 {
		a := rcv._tab.Vector(o)
		return rcv._tab.ByteVector(a + flatbuffers.UOffsetT(j*4))
	}
	return nil
}

func (rcv *ResultHeader) TransformedLength() int {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(20))
	if o != 0 {
		return rcv._tab.VectorLen(o)
	}
	return 0
}

func (rcv *ResultHeader) PixelSize() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(22))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *ResultHeader) MutatePixelSize(n uint64) bool {
	return rcv._tab.MutateUint64Slot(22, n)
}

func ResultHeaderStart(builder *flatbuffers.Builder) {
	builder.StartObject(10)
}
func ResultHeaderAddVersion(builder *flatbuffers.Builder, version uint16) {
	builder.PrependUint16Slot(0, version, 0)
}
func ResultHeaderAddWidth(builder *flatbuffers.Builder, width int32) {
	builder.PrependInt32Slot(1, width, 0)
}
func ResultHeaderAddHeight(builder *flatbuffers.Builder, height int32) {
	builder.PrependInt32Slot(2, height, 0)
}
func ResultHeaderAddFormat(builder *flatbuffers.Builder, format byte) {
	builder.PrependByteSlot(3, format, 0)
}
func ResultHeaderAddMimeType(builder *flatbuffers.Builder, mimeType flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(4, flatbuffers.UOffsetT(mimeType), 0)
}
func ResultHeaderAddSourceWidth(builder *flatbuffers.Builder, sourceWidth int32) {
	builder.PrependInt32Slot(5, sourceWidth, 0)
}
func ResultHeaderAddSourceHeight(builder *flatbuffers.Builder, sourceHeight int32) {
	builder.PrependInt32Slot(6, sourceHeight, 0)
}
func ResultHeaderAddOrientation(builder *flatbuffers.Builder, orientation byte) {
	builder.PrependByteSlot(7, orientation, 0)
}
func ResultHeaderAddTransformed(builder *flatbuffers.Builder, transformed flatbuffers.UOffsetT) {
	builder.PrependUOffsetTSlot(8, flatbuffers.UOffsetT(transformed), 0)
}
func ResultHeaderStartTransformedVector(builder *flatbuffers.Builder, numElems int) flatbuffers.UOffsetT {
	return builder.StartVector(4, numElems, 4)
}
func ResultHeaderAddPixelSize(builder *flatbuffers.Builder, pixelSize uint64) {
	builder.PrependUint64Slot(9, pixelSize, 0)
}
func ResultHeaderEnd(builder *flatbuffers.Builder) flatbuffers.UOffsetT {
	return builder.EndObject()
}
