package pmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/DataDog/zstd"
	"gopkg.in/yaml.v3"
)

// pageValues is the number of float64 values per cached page.
const pageValues = 1024

// defaultMaxPages bounds the page cache at 2 MiB per open file.
const defaultMaxPages = 256

// maxHeaderBytes guards against garbage header lengths.
const maxHeaderBytes = 64 << 20

type pageKey struct {
	c    *Component
	page int64
}

// File is an open container. The header is decoded once; values are read on
// demand. A File is owned by one reader; its cache is mutex-guarded.
type File struct {
	path      string
	f         *os.File
	header    Header
	dataStart int64
	dataLen   int64

	mu        sync.Mutex
	pages     map[pageKey][]float64
	pageOrder []pageKey
	maxPages  int
	inflated  map[*Component][]float64
}

// Open reads and validates the header of the container at path and keeps
// the file open for value reads.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	pf, err := open(path, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return pf, nil
}

func open(path string, f *os.File) (*File, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a data file", path)
	}
	if info.Size() < int64(len(Magic))+8 {
		return nil, fmt.Errorf("%s is too small (%d bytes) to be a data file", path, info.Size())
	}

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, fmt.Errorf("reading magic of %s: %w", path, err)
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%s is not a data file: magic %q, want %q", path, magic, Magic)
	}
	var hdLen uint64
	if err := binary.Read(f, binary.LittleEndian, &hdLen); err != nil {
		return nil, fmt.Errorf("reading header length of %s: %w", path, err)
	}
	dataStart := int64(len(Magic)) + 8 + int64(hdLen)
	if hdLen > maxHeaderBytes || dataStart > info.Size() {
		return nil, fmt.Errorf("%s: header length %d is larger than the file (%d bytes)", path, hdLen, info.Size())
	}
	raw := make([]byte, hdLen)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	pf := &File{
		path:      path,
		f:         f,
		dataStart: dataStart,
		dataLen:   info.Size() - dataStart,
		pages:     map[pageKey][]float64{},
		maxPages:  defaultMaxPages,
		inflated:  map[*Component][]float64{},
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&pf.header); err != nil {
		return nil, fmt.Errorf("parsing header of %s: %w", path, err)
	}
	if err := pf.header.validate(pf.dataLen); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pf, nil
}

// Path returns the file name the container was opened from.
func (f *File) Path() string { return f.path }

// Header returns the decoded header. Callers must not modify it.
func (f *File) Header() *Header { return &f.header }

// Close releases the file handle and drops cached values.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = map[pageKey][]float64{}
	f.pageOrder = nil
	f.inflated = map[*Component][]float64{}
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Value returns the i-th stored value of c (not scaled by UnitSI).
func (f *File) Value(c *Component, i int64) (float64, error) {
	if i < 0 || i >= c.Len() {
		return 0, fmt.Errorf("index %d out of range [0, %d)", i, c.Len())
	}
	if c.Constant {
		return c.Value, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Compressed() {
		vals, err := f.inflate(c)
		if err != nil {
			return 0, err
		}
		return vals[i], nil
	}
	key := pageKey{c: c, page: i / pageValues}
	page, ok := f.pages[key]
	if !ok {
		start := key.page * pageValues
		n := min(int64(pageValues), c.Len()-start)
		page = make([]float64, n)
		if err := f.readRaw(c, start, page); err != nil {
			return 0, err
		}
		f.storePage(key, page)
	}
	return page[i-key.page*pageValues], nil
}

// ReadValues fills dst with the stored values of c starting at start. It
// bypasses the page cache and is meant for sequential bulk reads.
func (f *File) ReadValues(c *Component, start int64, dst []float64) error {
	if start < 0 || start+int64(len(dst)) > c.Len() {
		return fmt.Errorf("range [%d, %d) out of range [0, %d)", start, start+int64(len(dst)), c.Len())
	}
	if c.Constant {
		for i := range dst {
			dst[i] = c.Value
		}
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Compressed() {
		vals, err := f.inflate(c)
		if err != nil {
			return err
		}
		copy(dst, vals[start:])
		return nil
	}
	return f.readRaw(c, start, dst)
}

func (f *File) readRaw(c *Component, start int64, dst []float64) error {
	if f.f == nil {
		return fmt.Errorf("%s is closed", f.path)
	}
	section := io.NewSectionReader(f.f, f.dataStart+c.Offset+8*start, 8*int64(len(dst)))
	if err := binary.Read(section, binary.LittleEndian, dst); err != nil {
		return fmt.Errorf("reading %s at offset %d: %w", f.path, c.Offset+8*start, err)
	}
	return nil
}

// inflate decompresses a zstd block once and keeps the values for the life
// of the handle.
func (f *File) inflate(c *Component) ([]float64, error) {
	if vals, ok := f.inflated[c]; ok {
		return vals, nil
	}
	if f.f == nil {
		return nil, fmt.Errorf("%s is closed", f.path)
	}
	packed := make([]byte, c.Size)
	if _, err := f.f.ReadAt(packed, f.dataStart+c.Offset); err != nil {
		return nil, fmt.Errorf("reading compressed block of %s: %w", f.path, err)
	}
	raw, err := zstd.Decompress(nil, packed)
	if err != nil {
		return nil, fmt.Errorf("decompressing block of %s: %w", f.path, err)
	}
	if int64(len(raw)) != 8*c.Len() {
		return nil, fmt.Errorf("decompressed block of %s has %d bytes, want %d", f.path, len(raw), 8*c.Len())
	}
	vals := make([]float64, c.Len())
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, vals); err != nil {
		return nil, fmt.Errorf("decoding block of %s: %w", f.path, err)
	}
	f.inflated[c] = vals
	return vals, nil
}

func (f *File) storePage(key pageKey, page []float64) {
	if len(f.pageOrder) >= f.maxPages {
		oldest := f.pageOrder[0]
		f.pageOrder = f.pageOrder[1:]
		delete(f.pages, oldest)
	}
	f.pages[key] = page
	f.pageOrder = append(f.pageOrder, key)
}

// cachedPages reports the number of resident pages; used by tests.
func (f *File) cachedPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pages)
}
