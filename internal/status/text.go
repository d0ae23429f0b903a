// v0
// internal/status/text.go
package status

import (
	"fmt"

	"github.com/hzj1203/BYD/internal/models"
)

type actionText struct {
	ok, failed string
}

var actionTexts = map[string]map[models.Kind]actionText{
	"zh": {
		models.KindUnlock: {ok: "车辆已解锁", failed: "解锁失败"},
		models.KindLock:   {ok: "车辆已上锁", failed: "上锁失败"},
	},
	"en": {
		models.KindUnlock: {ok: "vehicle unlocked", failed: "unlock failed"},
		models.KindLock:   {ok: "vehicle locked", failed: "lock failed"},
	},
}

// ActionText is the short user-facing result of a lock or unlock.
func ActionText(kind models.Kind, success bool, locale string) string {
	texts, ok := actionTexts[locale]
	if !ok {
		texts = actionTexts["zh"]
	}
	t := texts[kind]
	if success {
		return t.ok
	}
	return t.failed
}

// DeviceText announces a target device connecting or disconnecting.
func DeviceText(connected bool, label, locale string) string {
	switch {
	case locale == "en" && connected:
		return fmt.Sprintf("device connected: %s", label)
	case locale == "en":
		return fmt.Sprintf("device disconnected: %s", label)
	case connected:
		return fmt.Sprintf("设备已连接: %s", label)
	default:
		return fmt.Sprintf("设备已断开: %s", label)
	}
}
