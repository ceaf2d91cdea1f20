// Package imaging turns uploaded image bytes into the input tensor expected by
// the ResNet50-based classifiers.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// Size is the square spatial resolution the models were trained on.
const Size = 224

// Channels per pixel in the input tensor.
const Channels = 3

// Shape is the NHWC input shape with a batch of one.
var Shape = []int64{1, Size, Size, Channels}

// Per-channel means subtracted by keras.applications.resnet50.preprocess_input,
// in BGR order.
var bgrMean = [Channels]float32{103.939, 116.779, 123.68}

// Decode sniffs and decodes an uploaded image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrDecode)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrDecode, mt.String())
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Preprocess resizes img to Size x Size and returns a [1,224,224,3] tensor in
// BGR channel order with the ImageNet channel means subtracted. Values are not
// rescaled, so each element lies in [-mean, 255-mean].
func Preprocess(img image.Image) []float32 {
	resized := resize.Resize(Size, Size, img, resize.Bicubic)
	bounds := resized.Bounds()

	data := make([]float32, Size*Size*Channels)
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			// alpha is dropped, not composited
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			i := (y*Size + x) * Channels
			data[i] = float32(c.B) - bgrMean[0]
			data[i+1] = float32(c.G) - bgrMean[1]
			data[i+2] = float32(c.R) - bgrMean[2]
		}
	}
	return data
}

// Load decodes data and preprocesses it in one step.
func Load(data []byte) ([]float32, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Preprocess(img), nil
}
