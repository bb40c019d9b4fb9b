package imaging

import (
	"image"
	"math"
)

// smoothMore 5x5 平滑核，中心权重 44，总和 100
var smoothMore = [5][5]int{
	{1, 1, 1, 1, 1},
	{1, 5, 5, 5, 1},
	{1, 5, 44, 5, 1},
	{1, 5, 5, 5, 1},
	{1, 1, 1, 1, 1},
}

// EdgeRadius is the blur radius applied after smoothing.
const EdgeRadius = 0.5

// Refine 软化抠图边缘：先平滑，再小半径高斯模糊。
// 模糊作用在平滑后的结果上，顺序不可交换。
func Refine(img *image.NRGBA) *image.NRGBA {
	return GaussianBlur(SmoothMore(img), EdgeRadius)
}

// SmoothMore 对每个通道（含 alpha）做 5x5 卷积，边缘像素按最近邻延展
func SmoothMore(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewNRGBA(b)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [4]int
			for ky := -2; ky <= 2; ky++ {
				sy := clamp(y+ky, 0, h-1)
				for kx := -2; kx <= 2; kx++ {
					sx := clamp(x+kx, 0, w-1)
					weight := smoothMore[ky+2][kx+2]
					i := sy*src.Stride + sx*4
					for c := 0; c < 4; c++ {
						sum[c] += int(src.Pix[i+c]) * weight
					}
				}
			}
			o := y*dst.Stride + x*4
			for c := 0; c < 4; c++ {
				dst.Pix[o+c] = uint8((sum[c] + 50) / 100)
			}
		}
	}
	return dst
}

// GaussianBlur 可分离高斯模糊，radius 作为标准差
func GaussianBlur(src *image.NRGBA, radius float64) *image.NRGBA {
	if radius <= 0 {
		out := image.NewNRGBA(src.Bounds())
		copy(out.Pix, src.Pix)
		return out
	}
	kernel := gaussianKernel(radius)
	tmp := convolve1D(src, kernel, true)
	return convolve1D(tmp, kernel, false)
}

func gaussianKernel(sigma float64) []float64 {
	size := int(math.Ceil(sigma * 3))
	kernel := make([]float64, 2*size+1)
	var total float64
	for i := -size; i <= size; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+size] = v
		total += v
	}
	for i := range kernel {
		kernel[i] /= total
	}
	return kernel
}

func convolve1D(src *image.NRGBA, kernel []float64, horizontal bool) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	half := len(kernel) / 2
	dst := image.NewNRGBA(b)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [4]float64
			for k := -half; k <= half; k++ {
				sx, sy := x, y
				if horizontal {
					sx = clamp(x+k, 0, w-1)
				} else {
					sy = clamp(y+k, 0, h-1)
				}
				i := sy*src.Stride + sx*4
				weight := kernel[k+half]
				for c := 0; c < 4; c++ {
					sum[c] += float64(src.Pix[i+c]) * weight
				}
			}
			o := y*dst.Stride + x*4
			for c := 0; c < 4; c++ {
				dst.Pix[o+c] = uint8(math.Min(255, math.Max(0, math.Round(sum[c]))))
			}
		}
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
