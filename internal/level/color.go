package level

import "gasguard/internal/model"

const (
	ColorGrey    = "#808080"
	ColorDimGrey = "#505050"
)

var levelColors = map[model.Level]string{
	model.LevelNormal:   "#2e7d32",
	model.LevelInterest: "#f9a825",
	model.LevelCaution:  "#ef6c00",
	model.LevelWarning:  "#c62828",
	model.LevelDanger:   "#6a1b9a",
}

// BlinkThreshold is the worst level at which a panel tab starts blinking.
const BlinkThreshold = model.LevelWarning

// TabColor derives a panel tab colour. While blinking, the "off" phase shows
// the disconnected grey.
func TabColor(status model.ConnectionStatus, worst model.Level, blinkOn bool) string {
	switch status {
	case model.StatusWaiting:
		return ColorDimGrey
	case model.StatusDisconnected:
		return ColorGrey
	}
	if worst >= BlinkThreshold && !blinkOn {
		return ColorGrey
	}
	if c, ok := levelColors[worst]; ok {
		return c
	}
	return levelColors[model.LevelNormal]
}

func ShouldBlink(status model.ConnectionStatus, worst model.Level) bool {
	return status == model.StatusConnected && worst >= BlinkThreshold
}
