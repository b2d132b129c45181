package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	IndentCompact = 2
	IndentWide    = 4
)

func Load(path string) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	recs, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return recs, nil
}

func Decode(data []byte) ([]*Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		return nil, ErrNotArray
	}

	var recs []*Record
	var decodeErr error
	res.ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			decodeErr = fmt.Errorf("item %d: %w", len(recs)+1, ErrNotObject)
			return false
		}
		r := New()
		r.fromResult(v)
		recs = append(recs, r)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return recs, nil
}

// Encode writes recs as a JSON array indented by indent spaces.
func Encode(recs []*Record, indent int) ([]byte, error) {
	var compact bytes.Buffer
	compact.WriteByte('[')
	for i, r := range recs {
		if i > 0 {
			compact.WriteByte(',')
		}
		data, err := r.MarshalJSON()
		if err != nil {
			return nil, err
		}
		compact.Write(data)
	}
	compact.WriteByte(']')

	if indent <= 0 {
		return compact.Bytes(), nil
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", strings.Repeat(" ", indent)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func Save(path string, recs []*Record, indent int) error {
	data, err := Encode(recs, indent)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	return WriteFile(path, data)
}

// WriteFile replaces path atomically through a temp file in the same directory.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Checkpointer periodically writes partial results to temp_<output name>
// beside the final output file.
type Checkpointer struct {
	path   string
	every  int
	indent int
}

func NewCheckpointer(outputPath string, every, indent int) *Checkpointer {
	dir, base := filepath.Split(outputPath)
	return &Checkpointer{
		path:   filepath.Join(dir, "temp_"+base),
		every:  every,
		indent: indent,
	}
}

func (c *Checkpointer) Path() string {
	return c.path
}

func (c *Checkpointer) Every() int {
	if c == nil {
		return 0
	}
	return c.every
}

func (c *Checkpointer) Save(recs []*Record) error {
	return Save(c.path, recs, c.indent)
}

func (c *Checkpointer) Remove() error {
	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
