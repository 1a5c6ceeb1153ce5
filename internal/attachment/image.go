package attachment

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"mime"
	"os"
	"path"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DecodeConfig reports the format of the image at path, or an error if the
// file is not a decodable image.
func DecodeConfig(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", fmt.Errorf("not an image: %w", err)
	}
	return format, nil
}

// LoadPNG decodes the image at path and re-encodes it as PNG, the format
// the system clipboard accepts.
func LoadPNG(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if format == "png" {
		return data, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

var extByType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/webp": ".webp",
}

// extensionFor picks a temp-file suffix from the response Content-Type, then
// the URL path, falling back to ".png".
func extensionFor(contentType, rawPath string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extByType[strings.ToLower(mt)]; ok {
			return ext
		}
	}
	ext := strings.ToLower(path.Ext(rawPath))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp":
		return ext
	}
	return ".png"
}
