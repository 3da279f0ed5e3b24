package protocol

import "strings"

// Virtual key codes carried by KeyPress and KeyRelease. Letters and digits
// use their upper-case ASCII code; the rest follow the AWT numbering.
const (
	KeyBackspace int32 = 0x08
	KeyTab       int32 = 0x09
	KeyEnter     int32 = 0x0A
	KeyShift     int32 = 0x10
	KeyControl   int32 = 0x11
	KeyAlt       int32 = 0x12
	KeyEscape    int32 = 0x1B
	KeySpace     int32 = 0x20
	KeyPageUp    int32 = 0x21
	KeyPageDown  int32 = 0x22
	KeyEnd       int32 = 0x23
	KeyHome      int32 = 0x24
	KeyLeft      int32 = 0x25
	KeyUp        int32 = 0x26
	KeyRight     int32 = 0x27
	KeyDown      int32 = 0x28
	KeyDelete    int32 = 0x7F
)

var keyNames = map[string]int32{
	"backspace": KeyBackspace,
	"tab":       KeyTab,
	"enter":     KeyEnter,
	"return":    KeyEnter,
	"shift":     KeyShift,
	"ctrl":      KeyControl,
	"control":   KeyControl,
	"alt":       KeyAlt,
	"esc":       KeyEscape,
	"escape":    KeyEscape,
	"space":     KeySpace,
	"pageup":    KeyPageUp,
	"pagedown":  KeyPageDown,
	"end":       KeyEnd,
	"home":      KeyHome,
	"left":      KeyLeft,
	"up":        KeyUp,
	"right":     KeyRight,
	"down":      KeyDown,
	"delete":    KeyDelete,
	"del":       KeyDelete,
}

// LookupKey returns the key code for a key name ("enter", "left") or a
// single letter or digit.
func LookupKey(name string) (int32, bool) {
	name = strings.ToLower(name)
	if code, ok := keyNames[name]; ok {
		return code, true
	}
	if len(name) == 1 {
		c := name[0]
		switch {
		case c >= 'a' && c <= 'z':
			return int32(c - 'a' + 'A'), true
		case c >= '0' && c <= '9':
			return int32(c), true
		}
	}
	return 0, false
}

var buttonNames = map[string]int32{
	"left":   ButtonLeft,
	"middle": ButtonMiddle,
	"right":  ButtonRight,
}

// LookupButton returns the button bit for "left", "middle" or "right".
func LookupButton(name string) (int32, bool) {
	b, ok := buttonNames[strings.ToLower(name)]
	return b, ok
}
