package upload

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"
)

// compressibleTypes are image types CompressImage can decode.
var compressibleTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// CompressImage re-encodes an image as JPEG at the given quality percent.
// EXIF orientation is applied to the pixels since the metadata is dropped.
func CompressImage(data []byte, percent int) ([]byte, error) {
	if percent < 1 || percent > 100 {
		return nil, fmt.Errorf("compression percent %d out of range", percent)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(percent)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// HasGPS reports whether a JPEG carries GPS coordinates in its EXIF block.
func HasGPS(data []byte) bool {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return false
	}
	_, err = x.Get(exif.GPSInfoIFDPointer)
	return err == nil
}

var exifHeader = []byte("Exif\x00\x00")

// StripGPS removes the EXIF segment of a JPEG when it carries GPS data.
// Other types and JPEGs without GPS are returned unchanged with false.
func StripGPS(data []byte, contentType string) ([]byte, bool, error) {
	if !strings.EqualFold(contentType, "image/jpeg") || !HasGPS(data) {
		return data, false, nil
	}
	out, err := removeExifSegments(data)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// removeExifSegments copies a JPEG, skipping APP1 segments that hold EXIF.
// Everything from the start-of-scan marker on is copied verbatim.
func removeExifSegments(data []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, errors.New("not a JPEG stream")
	}

	out := make([]byte, 0, len(data))
	out = append(out, 0xFF, 0xD8)

	pos := 2
	for pos < len(data) {
		if data[pos] != 0xFF || pos+1 >= len(data) {
			return nil, fmt.Errorf("malformed JPEG marker at offset %d", pos)
		}
		marker := data[pos+1]

		switch {
		case marker == 0xFF:
			// Fill byte.
			pos++
			continue
		case marker == 0xDA || marker == 0xD9:
			return append(out, data[pos:]...), nil
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			out = append(out, data[pos:pos+2]...)
			pos += 2
			continue
		}

		if pos+4 > len(data) {
			return nil, fmt.Errorf("truncated JPEG segment at offset %d", pos)
		}
		length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		end := pos + 2 + length
		if length < 2 || end > len(data) {
			return nil, fmt.Errorf("invalid JPEG segment length at offset %d", pos)
		}

		if marker == 0xE1 && bytes.HasPrefix(data[pos+4:end], exifHeader) {
			pos = end
			continue
		}
		out = append(out, data[pos:end]...)
		pos = end
	}
	return nil, errors.New("JPEG stream has no image data")
}
