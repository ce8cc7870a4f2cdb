// Package encode turns raw captured frames into transmittable images.
package encode

import "deskpilot/internal/types"

// JPEGQuality maps a preset to a JPEG quality factor. Unknown or empty
// presets map to medium.
func JPEGQuality(q types.Quality) int {
	switch q {
	case types.QualityLow:
		return 50
	case types.QualityHigh:
		return 90
	default:
		return 75
	}
}

// BitrateHint returns a target bitrate in kbit/s for a width x height
// surface at the given preset.
func BitrateHint(q types.Quality, width, height int) int {
	px := width * height
	switch q {
	case types.QualityLow:
		return max(px/2000, 500)
	case types.QualityHigh:
		return max(px*5/2000, 2000)
	default:
		return max(px*3/2000, 1000)
	}
}
