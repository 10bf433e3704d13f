package detector

import "strings"

// Signal is a raw environment notification reported by the learner's device.
type Signal string

// ViolationType is the closed set of integrity violations.
type ViolationType string

const (
	AppBackground ViolationType = "app_background"
	TabSwitch     ViolationType = "tab_switch"
	CopyPaste     ViolationType = "copy_paste"
	Screenshot    ViolationType = "screenshot"
	ScreenRecord  ViolationType = "screen_record"
	Unknown       ViolationType = "unknown"
)

var signalTypes = map[string]ViolationType{
	"app_background":    AppBackground,
	"background":        AppBackground,
	"inactive":          AppBackground,
	"tab_switch":        TabSwitch,
	"visibility_hidden": TabSwitch,
	"blur":              TabSwitch,
	"copy_paste":        CopyPaste,
	"copy":              CopyPaste,
	"paste":             CopyPaste,
	"cut":               CopyPaste,
	"screenshot":        Screenshot,
	"screen_record":     ScreenRecord,
	"screen_capture":    ScreenRecord,
}

// Classify maps a raw signal onto a ViolationType. Matching ignores case and
// surrounding whitespace; anything unrecognized is Unknown.
func Classify(s Signal) ViolationType {
	key := strings.ToLower(strings.TrimSpace(string(s)))
	if t, ok := signalTypes[key]; ok {
		return t
	}
	return Unknown
}
