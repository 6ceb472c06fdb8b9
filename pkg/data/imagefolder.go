// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"image"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Image folder geometry: training crops are resized to TrainImageSize, validation images are resized
// so their shorter side is ValResizeSize and then center-cropped to ValImageSize.
const (
	TrainImageSize = 224
	ValResizeSize  = 256
	ValImageSize   = 224
)

// Random-resized-crop ranges of the training augmentation: area as a fraction of the image, and aspect ratio.
var (
	CropScaleRange = [2]float64{0.08, 1.0}
	CropRatioRange = [2]float64{3.0 / 4.0, 4.0 / 3.0}
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff"}

// ImageFolder lists the images of a directory organized as <dir>/<class>/<image>.
// Classes are sorted by name, and their index is the label.
type ImageFolder struct {
	Dir     string
	Classes []string
	Paths   []string
	Labels  []int
}

// ScanImageFolder lists the classes and images under dir.
func ScanImageFolder(dir string) (*ImageFolder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading image folder %q", dir)
	}
	folder := &ImageFolder{Dir: dir}
	for _, entry := range entries {
		if entry.IsDir() {
			folder.Classes = append(folder.Classes, entry.Name())
		}
	}
	slices.Sort(folder.Classes)
	for label, class := range folder.Classes {
		classDir := filepath.Join(dir, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "reading class directory %q", classDir)
		}
		for _, file := range files {
			ext := strings.ToLower(filepath.Ext(file.Name()))
			if file.IsDir() || !slices.Contains(imageExtensions, ext) {
				continue
			}
			folder.Paths = append(folder.Paths, filepath.Join(classDir, file.Name()))
			folder.Labels = append(folder.Labels, label)
		}
	}
	if len(folder.Paths) == 0 {
		return nil, errors.Errorf("no images found in %q, expected <dir>/<class>/<image>", dir)
	}
	return folder, nil
}

// imageFolderSource implements exampleSource for an ImageFolder.
type imageFolderSource struct {
	folder *ImageFolder
	train  bool

	// cache of decoded images, if enabled.
	cache   bool
	decoded sync.Map
}

func (s *imageFolderSource) NumExamples() int { return len(s.folder.Paths) }

func (s *imageFolderSource) ImageSize() (height, width int) {
	if s.train {
		return TrainImageSize, TrainImageSize
	}
	return ValImageSize, ValImageSize
}

func (s *imageFolderSource) load(idx int) (image.Image, error) {
	if s.cache {
		if img, found := s.decoded.Load(idx); found {
			return img.(image.Image), nil
		}
	}
	img, err := imaging.Open(s.folder.Paths[idx], imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %q", s.folder.Paths[idx])
	}
	if s.cache {
		s.decoded.Store(idx, img)
	}
	return img, nil
}

// Example implements exampleSource.
func (s *imageFolderSource) Example(idx int, rng *rand.Rand, dst []float32) (label int, err error) {
	img, err := s.load(idx)
	if err != nil {
		return 0, err
	}
	if s.train {
		img = RandomResizedCrop(img, TrainImageSize, rng)
		if rng.IntN(2) == 1 {
			img = imaging.FlipH(img)
		}
	} else {
		img = ResizeAndCenterCrop(img, ValResizeSize, ValImageSize)
	}
	ImageToPixels(img, &ImageNetNormalization, dst)
	return s.folder.Labels[idx], nil
}

// RandomResizedCrop crops a random area of the image, with random aspect ratio, and resizes it to size x size.
// After 10 failed attempts to fit the random crop, it falls back to a center crop.
func RandomResizedCrop(img image.Image, size int, rng *rand.Rand) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	area := float64(width * height)
	logRatioMin, logRatioMax := math.Log(CropRatioRange[0]), math.Log(CropRatioRange[1])
	for range 10 {
		targetArea := area * (CropScaleRange[0] + rng.Float64()*(CropScaleRange[1]-CropScaleRange[0]))
		ratio := math.Exp(logRatioMin + rng.Float64()*(logRatioMax-logRatioMin))
		w := int(math.Round(math.Sqrt(targetArea * ratio)))
		h := int(math.Round(math.Sqrt(targetArea / ratio)))
		if w > 0 && h > 0 && w <= width && h <= height {
			x0 := bounds.Min.X + rng.IntN(width-w+1)
			y0 := bounds.Min.Y + rng.IntN(height-h+1)
			cropped := imaging.Crop(img, image.Rect(x0, y0, x0+w, y0+h))
			return imaging.Resize(cropped, size, size, imaging.Linear)
		}
	}

	// Fallback: central crop with the closest valid aspect ratio.
	w, h := width, height
	inRatio := float64(width) / float64(height)
	if inRatio < CropRatioRange[0] {
		h = int(math.Round(float64(w) / CropRatioRange[0]))
	} else if inRatio > CropRatioRange[1] {
		w = int(math.Round(float64(h) * CropRatioRange[1]))
	}
	return imaging.Resize(imaging.CropCenter(img, w, h), size, size, imaging.Linear)
}

// ResizeAndCenterCrop resizes the image so its shorter side is resize, and crops the size x size center.
func ResizeAndCenterCrop(img image.Image, resize, size int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() < bounds.Dy() {
		img = imaging.Resize(img, resize, 0, imaging.Linear)
	} else {
		img = imaging.Resize(img, 0, resize, imaging.Linear)
	}
	return imaging.CropCenter(img, size, size)
}

// ImageToPixels writes the normalized RGB values of img, shaped [height, width, 3], into dst.
func ImageToPixels(img image.Image, norm *Normalization, dst []float32) {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	pos := 0
	for y := 0; y < bounds.Dy(); y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			for c := range 3 {
				dst[pos] = norm.Apply(row[x*4+c], c)
				pos++
			}
		}
	}
}

func imageFolderLoaders(loaders *Loaders, opts Options) error {
	trainFolder, err := ScanImageFolder(filepath.Join(opts.Dir, "train"))
	if err != nil {
		return err
	}
	valFolder, err := ScanImageFolder(filepath.Join(opts.Dir, "val"))
	if err != nil {
		return err
	}
	cache := opts.Backend == "inmemory"
	trainDS := newBatchDataset("train", &imageFolderSource{folder: trainFolder, train: true, cache: cache},
		opts, true, true)
	loaders.Train = Loader{Dataset: trainDS, Len: trainDS.Len()}
	valSource := &imageFolderSource{folder: valFolder, cache: cache}
	valDS := newBatchDataset("validation", valSource, opts, false, false)
	loaders.Val = Loader{Dataset: valDS, Len: valDS.Len()}
	debugDS := newBatchDataset("debug", valSource, opts, false, false)
	loaders.Debug = Loader{Dataset: debugDS, Len: debugDS.Len()}
	return nil
}
