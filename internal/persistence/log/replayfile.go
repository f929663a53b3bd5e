package log

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"voxelcombat.gg/internal/protocol"
)

// ReplayPath is where a finished match stores its full replay.
func ReplayPath(matchDir string) string {
	return filepath.Join(matchDir, "replay.json.zst")
}

// WriteReplay stores data as zstd-compressed JSON. The file is written
// next to path and renamed into place.
func WriteReplay(path string, data protocol.ReplayData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := json.NewEncoder(enc).Encode(data); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return fmt.Errorf("encode replay: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadReplay(path string) (protocol.ReplayData, error) {
	var data protocol.ReplayData
	f, err := os.Open(path)
	if err != nil {
		return data, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return data, err
	}
	defer dec.Close()

	if err := json.NewDecoder(dec).Decode(&data); err != nil {
		return data, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return data, nil
}
