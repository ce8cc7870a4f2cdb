package types

import (
	"context"
	"fmt"
	"time"
)

// PixelFormat describes the byte layout of a RawFrame.
type PixelFormat int

const (
	PixFmtBGRA PixelFormat = iota
	PixFmtRGBA
)

func (p PixelFormat) String() string {
	switch p {
	case PixFmtBGRA:
		return "bgra"
	case PixFmtRGBA:
		return "rgba"
	default:
		return fmt.Sprintf("pixfmt(%d)", int(p))
	}
}

// RawFrame is an uncompressed capture. The buffer is owned by whichever
// stage holds the frame; capturers never hand out memory they reuse.
type RawFrame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	PixFmt    PixelFormat
	Timestamp time.Time
	Sequence  uint64
}

// Empty reports whether the frame carries no pixels.
func (f *RawFrame) Empty() bool {
	return f == nil || f.Width <= 0 || f.Height <= 0 || len(f.Data) == 0
}

// ImageFormat is the declared payload format of an EncodedFrame.
type ImageFormat string

const (
	FormatPNG     ImageFormat = "png"
	FormatJPEG    ImageFormat = "jpeg"
	FormatRawZstd ImageFormat = "raw-zstd"
	FormatRawLZ4  ImageFormat = "raw-lz4"
)

// Lossless reports whether decoding yields the captured pixels exactly.
func (f ImageFormat) Lossless() bool {
	return f != FormatJPEG
}

// EncodedFrame is immutable once produced and may be shared by any number
// of subscribers.
type EncodedFrame struct {
	Format    ImageFormat `cbor:"format"`
	Data      []byte      `cbor:"data"`
	Width     int         `cbor:"width"`
	Height    int         `cbor:"height"`
	Timestamp time.Time   `cbor:"timestamp"`
	Sequence  uint64      `cbor:"sequence"`
}

// CaptureMode selects what part of the display is captured.
type CaptureMode string

const (
	ModeFullDesktop CaptureMode = "full"
	ModeWindow      CaptureMode = "window"
	ModeRegion      CaptureMode = "region"
)

// Region is a rectangle in screen coordinates.
type Region struct {
	X      int `cbor:"x" json:"x"`
	Y      int `cbor:"y" json:"y"`
	Width  int `cbor:"width" json:"width"`
	Height int `cbor:"height" json:"height"`
}

func (r Region) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Quality is a named encoding preset.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// CaptureConfig is fixed for the lifetime of a capture session.
type CaptureConfig struct {
	Mode     CaptureMode `cbor:"mode,omitempty" json:"mode,omitempty"`
	Region   Region      `cbor:"region,omitempty" json:"region,omitempty"`
	WindowID string      `cbor:"window_id,omitempty" json:"window_id,omitempty"`

	// TargetWidth/TargetHeight scale the encoded output; zero keeps the
	// captured size.
	TargetWidth  int `cbor:"target_width,omitempty" json:"target_width,omitempty"`
	TargetHeight int `cbor:"target_height,omitempty" json:"target_height,omitempty"`

	Format      ImageFormat `cbor:"format,omitempty" json:"format,omitempty"`
	Quality     Quality     `cbor:"quality,omitempty" json:"quality,omitempty"`
	JPEGQuality int         `cbor:"jpeg_quality,omitempty" json:"jpeg_quality,omitempty"`
	FPS         int         `cbor:"fps,omitempty" json:"fps,omitempty"`
}

// Capturer is the per-platform capability set {start, read_frame, stop}.
type Capturer interface {
	Start(cfg CaptureConfig) error
	ReadFrame() (*RawFrame, error)
	Stop() error
}

// CapturerFactory builds a fresh, unstarted capturer.
type CapturerFactory func() (Capturer, error)

// FrameEncoder turns a raw frame into a compressed payload.
type FrameEncoder interface {
	Encode(frame *RawFrame) (*EncodedFrame, error)
}

// MouseButton uses X11 button numbering.
type MouseButton int

const (
	ButtonLeft   MouseButton = 1
	ButtonMiddle MouseButton = 2
	ButtonRight  MouseButton = 3
)

// ParseMouseButton accepts "left", "middle", "right" or the X11 number.
func ParseMouseButton(s string) (MouseButton, error) {
	switch s {
	case "left", "1", "":
		return ButtonLeft, nil
	case "middle", "2":
		return ButtonMiddle, nil
	case "right", "3":
		return ButtonRight, nil
	}
	return 0, fmt.Errorf("unknown mouse button %q", s)
}

func (b MouseButton) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonMiddle:
		return "middle"
	case ButtonRight:
		return "right"
	default:
		return fmt.Sprintf("button%d", int(b))
	}
}

// InputInjector synthesizes input events. Calls block until the platform
// has accepted the event; ctx bounds any external process involved.
type InputInjector interface {
	InjectKey(ctx context.Context, key string, modifiers []string) error
	InjectText(ctx context.Context, text string) error
	InjectMouseMove(ctx context.Context, x, y int) error
	InjectMouseClick(ctx context.Context, button MouseButton, count int) error
	InjectScroll(ctx context.Context, dx, dy int) error
	Close()
}

// DeviceKind distinguishes the two lockable device classes.
type DeviceKind string

const (
	DeviceKeyboard DeviceKind = "keyboard"
	DevicePointer  DeviceKind = "pointer"
)

// InputDeviceRef names a physical device and the master it is normally
// attached to.
type InputDeviceRef struct {
	Kind     DeviceKind `cbor:"kind" json:"kind"`
	ID       int        `cbor:"id" json:"id"`
	Name     string     `cbor:"name" json:"name"`
	MasterID int        `cbor:"master_id" json:"master_id"`
	Floating bool       `cbor:"floating" json:"floating"`
}

// DeviceController enumerates, floats and reattaches physical input
// devices.
type DeviceController interface {
	Discover(ctx context.Context) (keyboard, pointer InputDeviceRef, err error)
	Float(ctx context.Context, dev InputDeviceRef) error
	Reattach(ctx context.Context, dev InputDeviceRef) error
}

// NotifyLevel is the severity of a desktop notification.
type NotifyLevel int

const (
	NotifyInfo NotifyLevel = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notifier surfaces events outside the process.
type Notifier interface {
	Notify(level NotifyLevel, title, body string) error
}

// InputEvent is the JSON message received on a viewer's input data
// channel.
type InputEvent struct {
	Type      string   `json:"type"`
	X         int      `json:"x,omitempty"`
	Y         int      `json:"y,omitempty"`
	DX        int      `json:"dx,omitempty"`
	DY        int      `json:"dy,omitempty"`
	Button    string   `json:"button,omitempty"`
	Count     int      `json:"count,omitempty"`
	Key       string   `json:"key,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`
	Text      string   `json:"text,omitempty"`
}
