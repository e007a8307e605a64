// Package dataset converts between image files and [B, 3, H, W] tensors with
// values in [0, 1].
package dataset

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/sw965/infomatch/blas32/tensor/4d"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return src, nil
}

// FromImage converts src to a [1, 3, H, W] tensor. Gray images fill all
// three channels.
func FromImage(src image.Image) tensor4d.General {
	bounds := src.Bounds()
	rows, cols := bounds.Dy(), bounds.Dx()
	img := tensor4d.NewZeros(1, 3, rows, cols)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := src.At(x, y).RGBA() // 0-65535
			base := (y-bounds.Min.Y)*img.RowStride + (x - bounds.Min.X)
			img.Data[base] = float32(r) / 0xffff
			img.Data[img.ChannelStride+base] = float32(g) / 0xffff
			img.Data[2*img.ChannelStride+base] = float32(b) / 0xffff
		}
	}
	return img
}

func clampUint8(v float32) uint8 {
	v = v*255 + 0.5
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// ToImage converts batch item b of a 3-channel tensor to an RGBA image.
func ToImage(img tensor4d.General, b int) (*image.RGBA, error) {
	if img.Channels != 3 {
		return nil, fmt.Errorf("%w: expected 3 channels, got %s", tensor4d.ErrShapeMismatch, img.ShapeString())
	}
	if b < 0 || b >= img.Batches {
		return nil, fmt.Errorf("batch %d outside %s", b, img.ShapeString())
	}
	dst := image.NewRGBA(image.Rect(0, 0, img.Cols, img.Rows))
	for y := 0; y < img.Rows; y++ {
		for x := 0; x < img.Cols; x++ {
			dst.SetRGBA(x, y, color.RGBA{
				R: clampUint8(img.Data[img.At(b, 0, y, x)]),
				G: clampUint8(img.Data[img.At(b, 1, y, x)]),
				B: clampUint8(img.Data[img.At(b, 2, y, x)]),
				A: 255,
			})
		}
	}
	return dst, nil
}

func resize(src image.Image, rows, cols int) image.Image {
	if src.Bounds().Dx() == cols && src.Bounds().Dy() == rows {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, cols, rows))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// LoadImage decodes PNG, JPEG, GIF, BMP, TIFF or WebP files.
func LoadImage(path string) (tensor4d.General, error) {
	src, err := decode(path)
	if err != nil {
		return tensor4d.General{}, err
	}
	return FromImage(src), nil
}

// LoadPair loads a source/target pair resized to rows x cols. With rows or
// cols <= 0 both images keep their size, which then has to agree.
func LoadPair(sourcePath, targetPath string, rows, cols int) (tensor4d.General, tensor4d.General, error) {
	src, err := decode(sourcePath)
	if err != nil {
		return tensor4d.General{}, tensor4d.General{}, err
	}
	tgt, err := decode(targetPath)
	if err != nil {
		return tensor4d.General{}, tensor4d.General{}, err
	}

	if rows > 0 && cols > 0 {
		src = resize(src, rows, cols)
		tgt = resize(tgt, rows, cols)
	} else if src.Bounds().Size() != tgt.Bounds().Size() {
		return tensor4d.General{}, tensor4d.General{}, fmt.Errorf("%w: source is %v, target is %v",
			tensor4d.ErrShapeMismatch, src.Bounds().Size(), tgt.Bounds().Size())
	}
	return FromImage(src), FromImage(tgt), nil
}

func SavePNG(path string, img tensor4d.General, b int) error {
	dst, err := ToImage(img, b)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, dst); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
