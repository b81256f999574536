package types

// PersonClassID is the object class the vendor model assigns to people.
// People counting filters on this class; other classes are still exposed.
const PersonClassID uint32 = 0

// InferenceWidth and InferenceHeight fix the pixel space of bounding box
// coordinates. The vendor model always runs at this resolution regardless
// of the camera sensor.
const (
	InferenceWidth  = 320
	InferenceHeight = 240
)

// DetectionRecord is one decoded object detection. Immutable once decoded;
// coordinates are the two box corners in inference pixel space.
type DetectionRecord struct {
	ClassID    uint32  `json:"class"`
	Confidence float32 `json:"confidence"`
	X0         int     `json:"x0"` // left
	Y0         int     `json:"y0"` // top
	X1         int     `json:"x1"` // right
	Y1         int     `json:"y1"` // bottom
}

// IsPerson reports whether the record belongs to the person class.
func (r DetectionRecord) IsPerson() bool {
	return r.ClassID == PersonClassID
}

// CountPeople returns the number of person-class records in a decoded list.
func CountPeople(records []DetectionRecord) int {
	n := 0
	for _, r := range records {
		if r.IsPerson() {
			n++
		}
	}
	return n
}
