package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultDeviceDir はデバイスノードを探すディレクトリ
	DefaultDeviceDir = "/dev"
	// DefaultSysfsDir はV4L2デバイスのsysfsクラスディレクトリ
	DefaultSysfsDir = "/sys/class/video4linux"
)

var videoNodePattern = regexp.MustCompile(`^video(\d+)$`)

// Discovery はカメラデバイスの検出を行うインターフェース
type Discovery interface {
	// DeviceDir はデバイスノードが作られるディレクトリを返す
	DeviceDir() string

	// ScanDevices はキャプチャ可能なデバイスのパスを番号順に返す
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスがキャプチャ可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// Identify はデバイスのUSB識別情報を取得する
	Identify(ctx context.Context, device string) (DeviceIdentity, error)
}

var (
	_ Discovery = (*SysfsDiscovery)(nil)
	_ Discovery = (*MockDiscovery)(nil)
)

// SysfsDiscovery はsysfsを読んでV4L2デバイスを検出する
type SysfsDiscovery struct {
	devDir string
	sysDir string
}

// NewSysfsDiscovery は新しいSysfsDiscoveryを作成する
// 空のディレクトリ指定は既定値になる
func NewSysfsDiscovery(devDir, sysDir string) *SysfsDiscovery {
	if devDir == "" {
		devDir = DefaultDeviceDir
	}
	if sysDir == "" {
		sysDir = DefaultSysfsDir
	}
	return &SysfsDiscovery{devDir: devDir, sysDir: sysDir}
}

// DeviceDir は監視対象のデバイスディレクトリを返す
func (d *SysfsDiscovery) DeviceDir() string {
	return d.devDir
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
func (d *SysfsDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.devDir, "video*"))
	if err != nil {
		return nil, errors.Wrap(err, "デバイスのスキャンに失敗")
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if d.IsDeviceAvailable(ctx, match) {
			devices = append(devices, match)
		}
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスがキャプチャノードかチェックする
// UVCカメラは1台でメタデータ用ノードも作るため、index が 0 のノードだけを対象にする
func (d *SysfsDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	name := filepath.Base(device)
	if !videoNodePattern.MatchString(name) {
		return false
	}
	if _, err := os.Stat(device); err != nil {
		return false
	}

	index, err := readSysfsAttr(filepath.Join(d.sysDir, name, "index"))
	if err != nil {
		// index 属性のない古いドライバはキャプチャノードとみなす
		return true
	}
	return index == "0"
}

// Identify はsysfsからデバイスの識別情報を取得する
// 取得できない項目は空のまま返す
func (d *SysfsDiscovery) Identify(_ context.Context, device string) (DeviceIdentity, error) {
	name := filepath.Base(device)
	if !videoNodePattern.MatchString(name) {
		return DeviceIdentity{}, errors.Errorf("V4L2デバイスではありません: %s", device)
	}

	identity := DeviceIdentity{ID: device}
	nodeDir := filepath.Join(d.sysDir, name)

	if product, err := readSysfsAttr(filepath.Join(nodeDir, "name")); err == nil {
		identity.Product = product
	}

	// device はUSBインターフェースへのシンボリックリンク。その親がUSBデバイス
	iface, err := filepath.EvalSymlinks(filepath.Join(nodeDir, "device"))
	if err != nil {
		return identity, nil
	}
	usbDir := filepath.Dir(iface)

	if v, err := readSysfsHex(filepath.Join(usbDir, "idVendor")); err == nil {
		identity.VendorID = v
	}
	if p, err := readSysfsHex(filepath.Join(usbDir, "idProduct")); err == nil {
		identity.ProductID = p
	}
	if product, err := readSysfsAttr(filepath.Join(usbDir, "product")); err == nil {
		identity.Product = product
	}
	if serial, err := readSysfsAttr(filepath.Join(usbDir, "serial")); err == nil {
		identity.Serial = serial
	}

	return identity, nil
}

func readSysfsAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsHex(path string) (uint16, error) {
	s, err := readSysfsAttr(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "16進数の解析に失敗: %s", path)
	}
	return uint16(v), nil
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoNodePattern.FindStringSubmatch(filepath.Base(device))
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
// デバイスノードの実体は見ず、登録されたパスだけをキャプチャデバイスとして扱う
type MockDiscovery struct {
	devDir string

	mu         sync.Mutex
	devices    []string
	identities map[string]DeviceIdentity
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
// devices は devDir からの相対名でも絶対パスでもよい
func NewMockDiscovery(devDir string, devices []string) *MockDiscovery {
	if devDir == "" {
		devDir = DefaultDeviceDir
	}
	m := &MockDiscovery{devDir: devDir, identities: make(map[string]DeviceIdentity)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// DeviceDir はモックのデバイスディレクトリを返す
func (m *MockDiscovery) DeviceDir() string {
	return m.devDir
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.devices))
	copy(result, m.devices)
	return result, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.identities[device]
	return ok
}

// Identify はモックデバイスの識別情報を返す
func (m *MockDiscovery) Identify(_ context.Context, device string) (DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[device]
	if !ok {
		return DeviceIdentity{}, errors.Errorf("デバイスが見つかりません: %s", device)
	}
	return identity, nil
}

// AddDevice はテスト用にデバイスを追加し、そのパスを返す
func (m *MockDiscovery) AddDevice(device string) string {
	if !filepath.IsAbs(device) {
		device = filepath.Join(m.devDir, device)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[device]; ok {
		return device
	}

	m.devices = append(m.devices, device)
	m.identities[device] = DeviceIdentity{
		ID:        device,
		VendorID:  0x046d,
		ProductID: uint16(0x0800 + len(m.devices)),
		Product:   fmt.Sprintf("テストカメラ %d", len(m.devices)),
	}
	return device
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	if !filepath.IsAbs(device) {
		device = filepath.Join(m.devDir, device)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.identities, device)
}
