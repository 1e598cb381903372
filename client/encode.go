package client

import (
	"encoding/base64"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DataURIPrefix starts every encoded image.
const DataURIPrefix = "data:"

// EncodeFile reads the image at path and returns it as a base64 data URI.
func EncodeFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &FileReadError{Path: path, Cause: err}
	}
	defer f.Close()

	encoded, err := EncodeReader(f)
	if err != nil {
		var fre *FileReadError
		if errors.As(err, &fre) {
			fre.Path = path
		}
		return "", err
	}
	return encoded, nil
}

// EncodeReader reads r to the end and returns the bytes as a base64 data URI.
// The MIME type is sniffed from the content.
func EncodeReader(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", &FileReadError{Cause: err}
	}
	if len(data) == 0 {
		return "", &FileReadError{Cause: errors.New("file is empty")}
	}

	mime := mimetype.Detect(data).String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}

	var b strings.Builder
	b.Grow(len(DataURIPrefix) + len(mime) + 8 + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString(DataURIPrefix)
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String(), nil
}

// StripDataURI returns the payload of a data URI, or s unchanged when it has no prefix.
func StripDataURI(s string) string {
	if !strings.HasPrefix(s, DataURIPrefix) {
		return s
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[i+1:]
	}
	return s
}
