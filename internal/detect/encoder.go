package detect

import (
	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/aitrios-samples/people-monitor/pkg/types"
)

// Encode builds a payload in the vendor schema from detection records.
// It is the inverse of Decode and backs the device simulator and tests;
// production payloads come from the cameras themselves.
func Encode(records []types.DetectionRecord) []byte {
	b := flatbuffers.NewBuilder(256)

	offs := make([]flatbuffers.UOffsetT, len(records))
	for i, r := range records {
		b.StartObject(4)
		b.PrependInt32Slot(0, int32(r.X0), 0)
		b.PrependInt32Slot(1, int32(r.Y0), 0)
		b.PrependInt32Slot(2, int32(r.X1), 0)
		b.PrependInt32Slot(3, int32(r.Y1), 0)
		box := b.EndObject()

		b.StartObject(4)
		b.PrependUint32Slot(0, r.ClassID, 0)
		b.PrependByteSlot(1, bbox2d, 0)
		b.PrependUOffsetTSlot(2, box, 0)
		b.PrependFloat32Slot(3, r.Confidence, 0)
		offs[i] = b.EndObject()
	}

	b.StartVector(flatbuffers.SizeUOffsetT, len(records), flatbuffers.SizeUOffsetT)
	for i := len(records) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offs[i])
	}
	vec := b.EndVector(len(records))

	b.StartObject(1)
	b.PrependUOffsetTSlot(0, vec, 0)
	perception := b.EndObject()

	b.StartObject(1)
	b.PrependUOffsetTSlot(0, perception, 0)
	b.Finish(b.EndObject())

	return b.FinishedBytes()
}
