// Package rawimage decodes the appliance's raw scan format into standard
// images. A raw file is a 16-byte header followed by pixel rows, each row
// terminated by the image width as a little-endian end-of-line marker plus
// two padding bytes.
package rawimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"strings"

	"github.com/Andrei05231/ScannerProxy/internal/util"
)

// HeaderSize is the fixed raw header length.
const HeaderSize = 16

// ErrNoImageData reports a raw file from which no complete pixel row could
// be extracted.
var ErrNoImageData = errors.New("no image data in raw file")

// ScanType is the appliance's scan mode byte (header byte 0).
type ScanType byte

const (
	ScanBlackWhite ScanType = 'B'
	ScanGrayscale  ScanType = 'G'
	ScanColor      ScanType = 'R'
)

func (t ScanType) String() string {
	switch t {
	case ScanBlackWhite:
		return "black_white"
	case ScanGrayscale:
		return "grayscale"
	case ScanColor:
		return "color"
	default:
		return fmt.Sprintf("unknown_0x%02X", byte(t))
	}
}

// Quality is the scan quality byte (header byte 1, ASCII digit).
type Quality byte

func (q Quality) String() string {
	switch q {
	case '2':
		return "standard"
	case '3':
		return "medium"
	case '6':
		return "high"
	default:
		return fmt.Sprintf("unknown_0x%02X", byte(q))
	}
}

// Metadata describes a raw file's header and derived geometry.
type Metadata struct {
	ScanType     ScanType
	Quality      Quality
	Format       string // "jpg", "pdf" or "unknown"
	Width        int
	Height       int
	FileSize     int64
	RowSize      int // bytes per row including marker and padding
	PixelsPerRow int // RowSize minus the 4 trailing bytes
}

// Analyze reads a raw file's header and derives its geometry. Height is the
// number of end-of-line markers found in the file, row size follows from the
// payload length divided by that count.
func Analyze(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read raw file: %w", err)
	}
	if len(data) < HeaderSize {
		return Metadata{}, fmt.Errorf("raw header too short: %d bytes", len(data))
	}

	meta := Metadata{
		ScanType: ScanType(data[0]),
		Quality:  Quality(data[1]),
		Format:   formatName(data[2], data[3]),
		Width:    int(binary.LittleEndian.Uint16(data[12:14])),
		FileSize: int64(len(data)),
	}

	// Count markers in the payload only; the header itself carries the width
	// at offset 12 and must not inflate the row count.
	if meta.Width > 0 {
		marker := binary.LittleEndian.AppendUint16(nil, uint16(meta.Width))
		meta.Height = bytes.Count(data[HeaderSize:], marker)
	}
	if meta.Height > 0 {
		meta.RowSize = (len(data) - HeaderSize) / meta.Height
		meta.PixelsPerRow = meta.RowSize - 4
	}
	return meta, nil
}

func formatName(b1, b2 byte) string {
	switch {
	case b1 == 'J' && b2 == 'P':
		return "jpg"
	case b1 == 'P' && b2 == 'D':
		return "pdf"
	default:
		return "unknown"
	}
}

// Decode extracts the pixel rows of a raw file as an 8-bit grayscale image.
// Black/white scans are thresholded to pure black and white; color scans are
// decoded as grayscale, which loses the (undocumented) color channels.
func Decode(path string) (*image.Gray, Metadata, error) {
	meta, err := Analyze(path)
	if err != nil {
		return nil, Metadata{}, err
	}
	if meta.Width <= 0 || meta.Height <= 0 || meta.PixelsPerRow < meta.Width {
		return nil, meta, fmt.Errorf("%w: %dx%d with %d pixel bytes per row",
			ErrNoImageData, meta.Width, meta.Height, meta.PixelsPerRow)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to read raw file: %w", err)
	}
	payload := data[HeaderSize:]

	marker := binary.LittleEndian.AppendUint16(nil, uint16(meta.Width))
	img := image.NewGray(image.Rect(0, 0, meta.Width, meta.Height))
	rows := 0
	for y := 0; y < meta.Height; y++ {
		off := y * meta.RowSize
		if off+meta.RowSize > len(payload) {
			util.LogWarning("raw decode: incomplete row %d in %s", y, path)
			break
		}
		row := payload[off : off+meta.RowSize]
		if !bytes.Equal(row[meta.PixelsPerRow:meta.PixelsPerRow+2], marker) {
			util.LogWarning("raw decode: unexpected end-of-line marker in row %d of %s", y, path)
		}
		copy(img.Pix[y*img.Stride:], row[:meta.Width])
		rows++
	}
	if rows == 0 {
		return nil, meta, ErrNoImageData
	}

	if meta.ScanType == ScanBlackWhite {
		threshold(img)
	}
	if meta.ScanType == ScanColor {
		util.LogWarning("raw decode: color scans are decoded as grayscale (%s)", path)
	}
	return img, meta, nil
}

// threshold snaps every pixel to pure black or white at the midpoint.
func threshold(img *image.Gray) {
	for i, p := range img.Pix {
		if p > 128 {
			img.Pix[i] = 255
		} else {
			img.Pix[i] = 0
		}
	}
}

// ConvertToPNG decodes a raw file and writes it next to the input as a PNG,
// or to out if non-empty. It returns the written path.
func ConvertToPNG(path, out string) (string, error) {
	img, meta, err := Decode(path)
	if err != nil {
		return "", err
	}
	if out == "" {
		out = replaceExt(path, ".png")
	}

	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("failed to encode %s: %w", out, err)
	}
	util.LogSuccess("converted %s (%s %s %dx%d) to %s",
		path, meta.ScanType, meta.Quality, meta.Width, meta.Height, out)
	return out, nil
}

func replaceExt(path, ext string) string {
	if i := strings.LastIndexByte(path, '.'); i > strings.LastIndexByte(path, '/') {
		return path[:i] + ext
	}
	return path + ext
}
