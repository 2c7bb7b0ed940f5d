//go:build !linux

package camera

// V4L2Adapter はLinux以外では利用できない
type V4L2Adapter struct{}

// NewV4L2Adapter はLinux以外では ErrUnsupportedPlatform を返す
func NewV4L2Adapter() (*V4L2Adapter, error) {
	return nil, ErrUnsupportedPlatform
}

func (a *V4L2Adapter) Open(ControlHandle, PreviewConfig) error { return ErrUnsupportedPlatform }

func (a *V4L2Adapter) Close() error { return ErrNotOpen }

func (a *V4L2Adapter) RegisterFrameCallback(FrameCallback) {}

func (a *V4L2Adapter) SetFailureHandler(func(error)) {}
