package render

import (
	"image/color"
	"math"
)

var (
	colorWhite      = color.RGBA{255, 255, 255, 255}
	colorGreen      = color.RGBA{34, 139, 34, 255}
	colorRed        = color.RGBA{220, 4, 4, 255}
	colorGray       = color.RGBA{135, 135, 135, 255}
	colorBlack      = color.RGBA{25, 25, 25, 255}
	colorBand       = color.RGBA{37, 39, 41, 255}
	colorDropped    = color.RGBA{23, 51, 27, 255}
	colorBackground = color.RGBA{30, 30, 30, 255}
)

// securityRamp runs from null-sec purple (index 0) to high-sec blue (10).
var securityRamp = [11]color.RGBA{
	{145, 46, 107, 255},
	{107, 33, 39, 255},
	{188, 18, 18, 255},
	{208, 69, 14, 255},
	{222, 107, 11, 255},
	{238, 255, 134, 255},
	{113, 228, 82, 255},
	{97, 218, 166, 255},
	{75, 206, 240, 255},
	{56, 156, 243, 255},
	{46, 116, 219, 255},
}

// SecurityColor clamps status to [0,1] and picks bucket int(status*10).
func SecurityColor(status float64) color.RGBA {
	if math.IsNaN(status) || status < 0 {
		status = 0
	}
	if status > 1 {
		status = 1
	}
	return securityRamp[int(status*10)]
}
