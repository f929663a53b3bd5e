// Package mapstore keeps map files under <dir>/maps/<id>.data. A file is a
// zstd stream of the msgpack-encoded MapData.
package mapstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"voxelcombat.gg/internal/protocol"
	"voxelcombat.gg/internal/sim/mapgrid"
)

const ext = ".data"

// MapData is the content of a map file. Root is the grid as encoded by
// mapgrid.Marshal.
type MapData struct {
	Info protocol.MapInfo `msgpack:"info"`
	Root []byte           `msgpack:"root"`
}

// Decode builds the grid described by d.
func (d MapData) Decode() (*mapgrid.Map, error) {
	m, err := mapgrid.Unmarshal(d.Root)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", d.Info.ID, err)
	}
	return m, nil
}

type Store struct {
	dir string
}

func New(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "maps")}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) Path(id string) string { return filepath.Join(s.dir, id+ext) }

// Save writes m as map info.ID, replacing any previous file.
func (s *Store) Save(info protocol.MapInfo, m *mapgrid.Map) error {
	if err := validID(info.ID); err != nil {
		return err
	}
	root, err := mapgrid.Marshal(m)
	if err != nil {
		return err
	}
	raw, err := Encode(MapData{Info: info, Root: root})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	tmp := s.Path(info.ID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path(info.ID))
}

// ReadBytes returns the raw map file. A missing map is NotFound.
func (s *Store) ReadBytes(id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, protocol.Errorf(protocol.NotFound, "map %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("read map %s: %w", id, err)
	}
	return b, nil
}

func (s *Store) Load(id string) (MapData, error) {
	raw, err := s.ReadBytes(id)
	if err != nil {
		return MapData{}, err
	}
	d, err := Decode(raw)
	if err != nil {
		return MapData{}, fmt.Errorf("map %s: %w", id, err)
	}
	return d, nil
}

// List returns the info of every readable map, sorted by id.
func (s *Store) List() ([]protocol.MapInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []protocol.MapInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		d, err := s.Load(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		out = append(out, d.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func Encode(d MapData) ([]byte, error) {
	b, err := msgpack.Marshal(&d)
	if err != nil {
		return nil, fmt.Errorf("encode map data: %w", err)
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(b); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decode(raw []byte) (MapData, error) {
	var d MapData
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return d, err
	}
	defer dec.Close()
	b, err := io.ReadAll(dec)
	if err != nil {
		return d, fmt.Errorf("decompress map data: %w", err)
	}
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode map data: %w", err)
	}
	return d, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return protocol.Errorf(protocol.BadRequest, "invalid map id %q", id)
	}
	return nil
}
