package types

import (
	"image"
	"image/draw"
	"time"
)

// Orientation of the device viewport
type Orientation int

const (
	Landscape Orientation = iota
	Portrait
)

func (o Orientation) String() string {
	if o == Portrait {
		return "portrait"
	}
	return "landscape"
}

// FrameBuffer is an immutable RGBA snapshot of a camera frame.
// Pix holds 4 bytes per pixel, row-major, with a stride of 4*Width.
type FrameBuffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewFrameBuffer copies any image into a tightly packed RGBA buffer
func NewFrameBuffer(img image.Image) FrameBuffer {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return FrameBuffer{Width: b.Dx(), Height: b.Dy(), Pix: rgba.Pix}
}

// Empty reports whether the buffer holds no pixels
func (f FrameBuffer) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height*4
}

// Image exposes the buffer as an image.Image without copying
func (f FrameBuffer) Image() *image.RGBA {
	return &image.RGBA{Pix: f.Pix, Stride: f.Width * 4, Rect: image.Rect(0, 0, f.Width, f.Height)}
}

// Size is a width/height pair in whatever unit the caller works in
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is a floating point rectangle in display (container) units
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// GeometrySpec describes how the source buffer was shown to the operator
type GeometrySpec struct {
	Guide       Rect        `json:"guide"`
	Container   Size        `json:"container"`
	Source      Size        `json:"source"`
	Zoom        float64     `json:"zoom"`
	Orientation Orientation `json:"orientation"`
}

// CropRect is a region in source-buffer pixel coordinates
type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rectangle converts the crop into an image.Rectangle
func (r CropRect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// CropResult is the outcome of a geometry computation
type CropResult struct {
	Rect       CropRect `json:"rect"`
	Rotate     bool     `json:"rotate"`
	Degraded   bool     `json:"degraded"`
	Diagnostic string   `json:"diagnostic,omitempty"`
}

// Check is a single quality heuristic outcome
type Check struct {
	Valid   bool    `json:"valid"`
	Value   float64 `json:"value"`
	Message string  `json:"message"`
}

// QualityReport aggregates the resolution, brightness and sharpness checks
type QualityReport struct {
	Resolution Check     `json:"resolutionCheck"`
	Brightness Check     `json:"brightnessCheck"`
	Sharpness  Check     `json:"sharpnessCheck"`
	Valid      bool      `json:"valid"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// QueueEntry is one product/dose selection tagged onto a photo
type QueueEntry struct {
	Product  string `json:"producto"`
	Dose     string `json:"dosis"`
	ClientID string `json:"clientId,omitempty"`
}

// Metadata is the batch of entries sharing a single photo
type Metadata struct {
	Queue []QueueEntry `json:"queue"`
}

// ProductDose is the wire form of a single metadata pair
type ProductDose struct {
	Product string `json:"product"`
	Dose    string `json:"dose"`
}

// Payload returns a single pair for one entry and an array for several
func (m Metadata) Payload() any {
	pairs := make([]ProductDose, 0, len(m.Queue))
	for _, e := range m.Queue {
		pairs = append(pairs, ProductDose{Product: e.Product, Dose: e.Dose})
	}
	if len(pairs) == 1 {
		return pairs[0]
	}
	return pairs
}

// OfflineCaptureRecord is a capture waiting in the durable queue
type OfflineCaptureRecord struct {
	ID          int64    `json:"id"`
	CreatedAt   string   `json:"timestamp"`
	Filename    string   `json:"filename"`
	ImageBase64 string   `json:"imageBase64"`
	Metadata    Metadata `json:"metadata"`
}

// Sex encoded in the identity code
type Sex string

const (
	SexMale    Sex = "male"
	SexFemale  Sex = "female"
	SexUnknown Sex = "unknown"
)

// CurpRecord holds the values derived from an identity code
type CurpRecord struct {
	Code            string    `json:"code"`
	BirthDate       time.Time `json:"birthDate"`
	BirthDateText   string    `json:"birthDateText"`
	Age             int       `json:"age"`
	Sex             Sex       `json:"sex"`
	StateCode       string    `json:"stateCode"`
	CheckDigitValid bool      `json:"checkDigitValid"`
}

// IsEmpty reports whether no code was found
func (c CurpRecord) IsEmpty() bool {
	return c.Code == ""
}

// UploadRequest is the JSON body sent to the upload proxy
type UploadRequest struct {
	Image    string `json:"image"`
	Filename string `json:"filename"`
	Metadata any    `json:"metadata"`
}

// UploadResponse is the proxy's reply
type UploadResponse struct {
	Success  bool   `json:"success"`
	FileID   string `json:"fileId,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}
