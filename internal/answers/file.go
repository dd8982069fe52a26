package answers

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/dshills/complianceq/internal/domain"
)

// thumbnailMax is the largest edge of a stored image answer.
const thumbnailMax = 1024

// FileUpload is the transport-level shape of a file answer: base64 content
// chunks plus the client's claimed metadata.
type FileUpload struct {
	Chunks   []string
	MIMEType string
	Name     string
}

// ParseFile decodes an upload into the canonical file value. When the
// question declares file-type image, the content is verified to decode as an
// image and re-encoded as PNG, which strips metadata and caps dimensions to
// a thumbnail.
func ParseFile(q *domain.QuestionSpec, upload FileUpload) (any, error) {
	data, err := decodeChunks(upload.Chunks)
	if err != nil {
		return nil, domain.Invalid(q.ID, "file content is not valid base64")
	}
	if len(data) == 0 {
		return nil, domain.Invalid(q.ID, "uploaded file is empty")
	}

	mimeType := upload.MIMEType
	if q.FileType == "image" {
		data, err = reencodeImage(data)
		if err != nil {
			return nil, domain.Invalid(q.ID, "uploaded file is not a valid image")
		}
		mimeType = "image/png"
	}

	return map[string]any{
		"content": []any{base64.StdEncoding.EncodeToString(data)},
		"type":    mimeType,
		"name":    upload.Name,
		"size":    int64(len(data)),
	}, nil
}

func validateFile(q *domain.QuestionSpec, value any) (any, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, domain.Invalid(q.ID, "file value must be a mapping")
	}
	chunks, err := contentChunks(m)
	if err != nil {
		return nil, domain.Invalid(q.ID, "file value has no content")
	}
	data, err := decodeChunks(chunks)
	if err != nil {
		return nil, domain.Invalid(q.ID, "file content is not valid base64")
	}
	if len(data) == 0 {
		return nil, domain.Invalid(q.ID, "file content is empty")
	}
	if q.FileType == "image" {
		if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
			return nil, domain.Invalid(q.ID, "file content is not a valid image")
		}
	}
	return m, nil
}

func contentChunks(m map[string]any) ([]string, error) {
	raw, ok := m["content"].([]any)
	if !ok {
		return nil, domain.ErrNotFound
	}
	chunks := make([]string, 0, len(raw))
	for _, c := range raw {
		s, ok := c.(string)
		if !ok {
			return nil, domain.ErrNotFound
		}
		chunks = append(chunks, s)
	}
	return chunks, nil
}

func decodeChunks(chunks []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, chunk := range chunks {
		data, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// reencodeImage verifies the bytes decode as an image, scales them down to
// the thumbnail bound, and writes a fresh PNG carrying no source metadata.
func reencodeImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	img = downscale(img, thumbnailMax)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// downscale shrinks an image so neither edge exceeds max, sampling nearest
// neighbor. Images already within bounds pass through unchanged.
func downscale(img image.Image, max int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= max && h <= max {
		return img
	}
	scale := float64(max) / float64(w)
	if h > w {
		scale = float64(max) / float64(h)
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	out := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		for x := 0; x < nw; x++ {
			sx := b.Min.X + x*w/nw
			sy := b.Min.Y + y*h/nh
			out.Set(x, y, color.RGBAModel.Convert(img.At(sx, sy)))
		}
	}
	return out
}
