package imaging

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ParseColor 解析 "#rrggbb" / "#rgb" 形式的颜色，结果不透明
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// OverColor 把前景合成到同尺寸的纯色画布上
func OverColor(fg *image.NRGBA, c color.NRGBA) *image.NRGBA {
	dst := image.NewNRGBA(fg.Bounds())
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), fg, fg.Bounds().Min, draw.Over)
	return dst
}

// Stretch 拉伸（不裁剪）到 w x h
func Stretch(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return ToNRGBA(img)
	}
	return ToNRGBA(resize.Resize(uint(w), uint(h), img, resize.Lanczos3))
}

// OverImage 背景拉伸到前景尺寸后合成
func OverImage(fg *image.NRGBA, bg image.Image) *image.NRGBA {
	w, h := fg.Bounds().Dx(), fg.Bounds().Dy()
	base := Stretch(bg, w, h)

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), base, base.Bounds().Min, draw.Src)
	draw.Draw(dst, dst.Bounds(), fg, fg.Bounds().Min, draw.Over)
	return dst
}
