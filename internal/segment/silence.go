package segment

import "github.com/MrWong99/whisperflow/pkg/audio"

// IsSilent reports whether the frame's peak absolute amplitude lies strictly
// below threshold. A peak equal to the threshold is not silent. A frame
// without a single complete sample is silent.
func IsSilent(f audio.Frame, threshold float64) bool {
	if len(f.Data) < 2 {
		return true
	}
	return float64(f.Peak()) < threshold
}
