package codec

import (
	"bytes"
	"image"
	"image/png"

	// decoders registered with image.Decode
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Image stores image.Image values as PNG. Decode accepts any registered
// format (png, jpeg, gif, bmp, webp), so it can read payloads written by
// other tools as long as they are images.
type Image struct{}

var _ Codec[image.Image] = Image{}

func (Image) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Image) Decode(b []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	return img, err
}

// Transcode decodes b in any registered format and re-encodes it as PNG.
// It returns the detected source format.
func Transcode(b []byte) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	out, err := Image{}.Encode(img)
	return out, format, err
}
