package camera

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// trimJPEG はJPEGの開始マーカーから終了マーカーまでを切り出す
// UVCドライバはバッファ末尾にゼロ埋めを残すことがある
func trimJPEG(data []byte) ([]byte, bool) {
	start := bytes.Index(data, jpegSOI)
	if start == -1 {
		return nil, false
	}
	end := bytes.LastIndex(data, jpegEOI)
	if end == -1 || end < start+len(jpegSOI) {
		return nil, false
	}
	return data[start : end+len(jpegEOI)], true
}
