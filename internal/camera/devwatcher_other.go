//go:build !linux

package camera

// DevWatcher はLinux以外では利用できない
type DevWatcher struct{}

// NewDevWatcher はLinux以外では ErrUnsupportedPlatform を返す
func NewDevWatcher(_ Discovery) (*DevWatcher, error) {
	return nil, ErrUnsupportedPlatform
}

func (w *DevWatcher) Register(EventHandler) error { return ErrUnsupportedPlatform }

func (w *DevWatcher) Unregister() error { return nil }

func (w *DevWatcher) RequestPermission(DeviceIdentity) error { return ErrUnsupportedPlatform }
