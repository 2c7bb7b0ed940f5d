package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AppName は設定ファイル探索や環境変数プレフィックスに使う名前
const AppName = "camstream"

// カメラソースの種類
const (
	SourceV4L2        = "v4l2"        // 実機のUVCカメラ（Linux）
	SourceTestPattern = "testpattern" // 合成テストパターン
)

// FormatMJPEG はプレビューのピクセルフォーマット（JPEG圧縮）
const FormatMJPEG = "MJPEG"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Camera CameraConfig `yaml:"camera" mapstructure:"camera"`
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"` // リッスンするホスト
	Port int    `yaml:"port" mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`         // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`       // 書き込みタイムアウト（0で無効）
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"` // シャットダウン待機の上限

	GinMode string `yaml:"gin_mode" mapstructure:"gin_mode"` // debug / release / test
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	ID        string `yaml:"id" mapstructure:"id"`                 // /stream/<id> で配信するカメラID
	Source    string `yaml:"source" mapstructure:"source"`         // v4l2 / testpattern
	DeviceDir string `yaml:"device_dir" mapstructure:"device_dir"` // デバイスノードを監視するディレクトリ

	// プレビュー設定（カメラを開くときの固定値）
	Width  int    `yaml:"width" mapstructure:"width"`
	Height int    `yaml:"height" mapstructure:"height"`
	Format string `yaml:"format" mapstructure:"format"`
	FPS    int    `yaml:"fps" mapstructure:"fps"`
}

// StreamConfig はMJPEG配信セッションの設定
type StreamConfig struct {
	FPS          int           `yaml:"fps" mapstructure:"fps"`                     // セッションの書き込み頻度
	DrainTimeout time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout"` // 停止時にセッション終了を待つ上限
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug / info / warn / error
	Format string `yaml:"format" mapstructure:"format"` // text / json
}

// Interval はセッションのケイデンス（書き込み間隔）を返す
func (s StreamConfig) Interval() time.Duration {
	if s.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(s.FPS)
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8888,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
			GinMode:         "release",
		},
		Camera: CameraConfig{
			ID:        "camera1",
			Source:    SourceV4L2,
			DeviceDir: "/dev",
			Width:     640,
			Height:    480,
			Format:    FormatMJPEG,
			FPS:       30,
		},
		Stream: StreamConfig{
			FPS:          30,
			DrainTimeout: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は設定を読み込む
// 優先順位: 環境変数 > 設定ファイル > デフォルト値
// path が空の場合は既定の場所から config.yaml を探し、見つからなければデフォルト値のみを使う
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "設定ファイルの読み込みに失敗: %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range searchPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "設定ファイルの読み込みに失敗")
			}
			// 設定ファイルなし: デフォルト値と環境変数のみ
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "設定のデコードに失敗")
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "設定の検証に失敗")
	}

	return cfg, nil
}

// newViper はデフォルト値と環境変数を登録したviperを作成する
func newViper() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.gin_mode", d.Server.GinMode)

	v.SetDefault("camera.id", d.Camera.ID)
	v.SetDefault("camera.source", d.Camera.Source)
	v.SetDefault("camera.device_dir", d.Camera.DeviceDir)
	v.SetDefault("camera.width", d.Camera.Width)
	v.SetDefault("camera.height", d.Camera.Height)
	v.SetDefault("camera.format", d.Camera.Format)
	v.SetDefault("camera.fps", d.Camera.FPS)

	v.SetDefault("stream.fps", d.Stream.FPS)
	v.SetDefault("stream.drain_timeout", d.Stream.DrainTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	// CAMSTREAM_CAMERA_SOURCE のような環境変数を受け付ける
	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 従来の環境変数名も受け付ける
	_ = v.BindEnv("server.host", "SERVER_HOST", "CAMSTREAM_SERVER_HOST")
	_ = v.BindEnv("server.port", "PORT", "CAMSTREAM_SERVER_PORT")

	return v
}

// searchPaths は設定ファイルの探索ディレクトリを返す
func searchPaths() []string {
	return []string{
		".",
		filepath.Join(xdg.ConfigHome, AppName),
		filepath.Join("/etc", AppName),
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	// 0 はOSに空きポートを選ばせる
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.WriteTimeout < 0 || c.Server.ReadTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("タイムアウトに負の値は指定できません")
	}

	// カメラ設定の検証
	if c.Camera.ID == "" {
		return fmt.Errorf("カメラIDが設定されていません")
	}
	if strings.Contains(c.Camera.ID, "/") {
		return fmt.Errorf("カメラIDに '/' は使用できません: %s", c.Camera.ID)
	}
	switch c.Camera.Source {
	case SourceV4L2, SourceTestPattern:
	default:
		return fmt.Errorf("サポートされていないカメラソース: %s", c.Camera.Source)
	}
	if c.Camera.Source == SourceV4L2 && c.Camera.DeviceDir == "" {
		return fmt.Errorf("デバイスディレクトリが設定されていません")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("無効なカメラFPS: %d", c.Camera.FPS)
	}
	if !strings.EqualFold(c.Camera.Format, FormatMJPEG) {
		return fmt.Errorf("サポートされていないフォーマット: %s", c.Camera.Format)
	}

	// ストリーム設定の検証
	if c.Stream.FPS < 1 || c.Stream.FPS > 120 {
		return fmt.Errorf("無効なストリームFPS: %d", c.Stream.FPS)
	}
	if c.Stream.DrainTimeout < 0 {
		return fmt.Errorf("ドレインタイムアウトに負の値は指定できません")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// YAML は有効な設定をYAMLとして出力する
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "設定のYAML変換に失敗")
	}
	return out, nil
}
