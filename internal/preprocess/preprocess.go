package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// ErrInvalidImage is returned for inputs that cannot be decoded as an image
// or that have zero spatial dimensions.
var ErrInvalidImage = errors.New("invalid image")

// InputSize is the square spatial resolution the classifier model expects.
// Source images are larger (256x256 micro-Doppler samples) and are resized
// down with bilinear interpolation.
const InputSize = 224

const channels = 3

// ImageNet channel statistics the reference model was trained with.
var (
	channelMean = [channels]float32{0.485, 0.456, 0.406}
	channelStd  = [channels]float32{0.229, 0.224, 0.225}
)

// TensorLen is the number of float32 values in one preprocessed tensor.
const TensorLen = channels * InputSize * InputSize

// Image decodes raw image bytes and converts them into the NCHW float32
// tensor layout the classifier expects: bilinear resize to InputSize, pixel
// values scaled to [0,1], then per-channel mean/std normalization. The
// transform is deterministic: identical input bytes yield identical tensors.
func Image(raw []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, ErrInvalidImage
	}

	resized := resize.Resize(InputSize, InputSize, img, resize.Bilinear)

	input := make([]float32, TensorLen)
	plane := InputSize * InputSize

	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()

			idx := y*InputSize + x
			input[idx] = (float32(r)/65535.0 - channelMean[0]) / channelStd[0]
			input[plane+idx] = (float32(g)/65535.0 - channelMean[1]) / channelStd[1]
			input[2*plane+idx] = (float32(b)/65535.0 - channelMean[2]) / channelStd[2]
		}
	}

	return input, nil
}
