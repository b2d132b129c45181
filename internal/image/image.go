package image

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/manash/agrivqa/internal/security"
	"github.com/manash/agrivqa/pkg/models"
)

const DefaultMaxBytes = 20 << 20

var (
	ErrNotImage = errors.New("file is not an image")
	ErrTooLarge = errors.New("image exceeds size limit")
	ErrEmptyRef = errors.New("empty image reference")
)

// Loader turns the image value of a record into a payload the providers can
// send. Local files become base64 data URLs; https URLs are passed through.
type Loader struct {
	Root         string
	AllowedHosts []string
	MaxBytes     int64
}

func NewLoader(root string) *Loader {
	return &Loader{Root: root, MaxBytes: DefaultMaxBytes}
}

func (l *Loader) Load(ref string) (models.ImageRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.ImageRef{}, ErrEmptyRef
	}
	if security.IsRemote(ref) {
		return l.loadRemote(ref)
	}
	return l.loadFile(ref)
}

func (l *Loader) loadRemote(ref string) (models.ImageRef, error) {
	if err := security.ValidateImageURL(ref, l.AllowedHosts); err != nil {
		return models.ImageRef{}, fmt.Errorf("rejected image URL %s: %w", ref, err)
	}
	return models.ImageRef{
		URL:      ref,
		MIMEType: mime.TypeByExtension(strings.ToLower(path.Ext(strings.SplitN(ref, "?", 2)[0]))),
		Source:   ref,
	}, nil
}

func (l *Loader) loadFile(ref string) (models.ImageRef, error) {
	resolved, err := security.ResolveImagePath(l.Root, ref)
	if err != nil {
		return models.ImageRef{}, err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return models.ImageRef{}, err
	}
	if info.IsDir() {
		return models.ImageRef{}, fmt.Errorf("%s is a directory", resolved)
	}
	if l.MaxBytes > 0 && info.Size() > l.MaxBytes {
		return models.ImageRef{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, resolved, info.Size())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return models.ImageRef{}, err
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return models.ImageRef{}, fmt.Errorf("%w: %s detected as %s", ErrNotImage, resolved, mt.String())
	}

	return models.ImageRef{
		URL:      DataURL(mt.String(), data),
		MIMEType: mt.String(),
		Data:     data,
		Source:   resolved,
	}, nil
}

func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
