package state

import (
	"fmt"
	"time"
)

// 设备状态，按判定优先级从高到低排列
const (
	NeverPolled  = "never_polled"
	Offline      = "offline"
	NoBaseline   = "no_baseline"
	Mismatch     = "mismatch"
	FilesChanged = "files_changed"
	OK           = "ok"
)

// All 全部状态值（指标枚举用）
var All = []string{NeverPolled, Offline, NoBaseline, Mismatch, FilesChanged, OK}

// Input 分类器输入。全部由调用方从存储读出，分类本身是纯函数。
type Input struct {
	HasSnapshot     bool
	LatestSuccess   bool
	LatestErrClass  string
	LatestSuccessAt time.Time // 最近一次成功快照时间，无则为零值
	ReportedMain    string    // 最近一次成功快照上报的主版本

	HasBaseline     bool
	BaselineMatched bool

	UnackedFilesChange bool

	StaleThreshold time.Duration // 0 表示不启用过期判定
	Now            time.Time
}

// Classify 计算设备状态与说明。
// 优先级：never_polled > offline > no_baseline > mismatch > files_changed > ok。
// files_changed 仅在基线匹配时出现，基线不符一律先报 mismatch。
func Classify(in Input) (string, string) {
	if !in.HasSnapshot {
		return NeverPolled, "device has never been polled"
	}
	if !in.LatestSuccess {
		return Offline, fmt.Sprintf("last poll failed: %s", in.LatestErrClass)
	}
	if in.StaleThreshold > 0 && !in.LatestSuccessAt.IsZero() &&
		in.Now.Sub(in.LatestSuccessAt) > in.StaleThreshold {
		return Offline, fmt.Sprintf("last successful poll at %s is older than %s",
			in.LatestSuccessAt.UTC().Format(time.RFC3339), in.StaleThreshold)
	}
	if !in.HasBaseline {
		return NoBaseline, "no baseline configured for this device"
	}
	if !in.BaselineMatched {
		return Mismatch, fmt.Sprintf("reported version %q does not match baseline", in.ReportedMain)
	}
	if in.UnackedFilesChange {
		return FilesChanged, "controlled files changed since last acknowledgement"
	}
	return OK, fmt.Sprintf("reported version %q matches baseline", in.ReportedMain)
}
