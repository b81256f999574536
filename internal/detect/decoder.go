// Package detect decodes the vendor binary detection schema into typed
// records. Decoding is pure: it never touches device state, and a failed
// decode reports an error without partial results.
package detect

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/aitrios-samples/people-monitor/pkg/types"
)

// Decode failure classes. Every error returned by Decode wraps exactly one
// of these so callers can distinguish truncation from schema mismatches.
var (
	ErrTruncated         = errors.New("detect: truncated buffer")
	ErrUnsupportedSchema = errors.New("detect: unsupported schema")
	ErrFieldRange        = errors.New("detect: field out of range")
)

// Bounding box union discriminants defined by the vendor schema.
const (
	bboxNone uint8 = 0
	bbox2d   uint8 = 1
)

// Vtable offsets fixed by the vendor FlatBuffers schema. The root table
// carries a Perception sub-table; Perception carries the detection vector.
const (
	rootPerception = 4

	perceptionDetections = 4

	detClassID  = 4
	detBBoxType = 6
	detBBox     = 8
	detScore    = 10

	boxLeft   = 4
	boxTop    = 6
	boxRight  = 8
	boxBottom = 10
)

// Decode parses one inference payload and returns its detection records in
// schema order. A payload with no perception data or an empty detection
// vector yields an empty slice, not an error.
//
// Corrupt table structure surfaces as ErrTruncated: the FlatBuffers table
// walk indexes the raw buffer, so a truncated payload is caught either by
// the explicit length checks or by the recover below.
func Decode(buf []byte) (records []types.DetectionRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("%w: malformed table structure", ErrTruncated)
		}
	}()

	if len(buf) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}
	rootPos := flatbuffers.GetUOffsetT(buf)
	if int(rootPos) >= len(buf) {
		return nil, fmt.Errorf("%w: root offset %d beyond %d bytes", ErrTruncated, rootPos, len(buf))
	}

	root := flatbuffers.Table{Bytes: buf, Pos: rootPos}
	po := flatbuffers.UOffsetT(root.Offset(rootPerception))
	if po == 0 {
		return nil, nil
	}
	perception := flatbuffers.Table{Bytes: buf, Pos: root.Indirect(po + root.Pos)}

	vo := flatbuffers.UOffsetT(perception.Offset(perceptionDetections))
	if vo == 0 {
		return nil, nil
	}
	n := perception.VectorLen(vo)

	records = make([]types.DetectionRecord, 0, n)
	for i := 0; i < n; i++ {
		elem := perception.Vector(vo) + flatbuffers.UOffsetT(i)*flatbuffers.SizeUOffsetT
		det := flatbuffers.Table{Bytes: buf, Pos: perception.Indirect(elem)}
		rec, err := decodeRecord(det, i)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decodeRecord(det flatbuffers.Table, i int) (types.DetectionRecord, error) {
	var rec types.DetectionRecord

	if o := det.Offset(detClassID); o != 0 {
		rec.ClassID = det.GetUint32(flatbuffers.UOffsetT(o) + det.Pos)
	}

	bboxType := bboxNone
	if o := det.Offset(detBBoxType); o != 0 {
		bboxType = det.GetByte(flatbuffers.UOffsetT(o) + det.Pos)
	}
	if bboxType != bbox2d {
		return rec, fmt.Errorf("%w: record %d bounding box type %d", ErrUnsupportedSchema, i, bboxType)
	}

	if o := det.Offset(detScore); o != 0 {
		rec.Confidence = det.GetFloat32(flatbuffers.UOffsetT(o) + det.Pos)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return rec, fmt.Errorf("%w: record %d score %g", ErrFieldRange, i, rec.Confidence)
	}

	bo := det.Offset(detBBox)
	if bo == 0 {
		return rec, fmt.Errorf("%w: record %d missing bounding box", ErrUnsupportedSchema, i)
	}
	box := flatbuffers.Table{Bytes: det.Bytes, Pos: det.Indirect(flatbuffers.UOffsetT(bo) + det.Pos)}
	rec.X0 = int(boxField(box, boxLeft))
	rec.Y0 = int(boxField(box, boxTop))
	rec.X1 = int(boxField(box, boxRight))
	rec.Y1 = int(boxField(box, boxBottom))
	if rec.X0 < 0 || rec.Y0 < 0 || rec.X1 < 0 || rec.Y1 < 0 {
		return rec, fmt.Errorf("%w: record %d negative coordinate", ErrFieldRange, i)
	}

	return rec, nil
}

func boxField(box flatbuffers.Table, field flatbuffers.VOffsetT) int32 {
	if o := box.Offset(field); o != 0 {
		return box.GetInt32(flatbuffers.UOffsetT(o) + box.Pos)
	}
	return 0
}
