package schema

import (
	"strconv"
	"strings"
	"time"
)

// RenderTemplate substitutes signal fields into a message template. The
// placeholders {signalType}, {severity}, {assetId}, {timestamp}, and
// {strength} are replaced; unknown placeholders are left as-is.
func RenderTemplate(template string, sig *Signal) string {
	r := strings.NewReplacer(
		"{signalType}", string(sig.Type),
		"{severity}", string(sig.Severity),
		"{assetId}", sig.AssetID,
		"{timestamp}", sig.Timestamp.Format(time.RFC3339),
		"{strength}", strconv.FormatFloat(sig.Strength, 'f', -1, 64),
	)
	return r.Replace(template)
}
