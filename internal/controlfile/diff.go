package controlfile

import (
	"bytes"
	"encoding/base64"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/taoyao-code/version-manager/internal/baseline"
	"github.com/taoyao-code/version-manager/internal/dvp"
)

// 受控文件规则的内容采集方式
const (
	ModeAuto   = "auto"   // 使用上报中自带的内容，缺失时不拉取
	ModeInline = "inline" // 仅使用上报中自带的内容
	ModeFetch  = "fetch"  // 主动向设备拉取内容
)

// 内容大小上限：默认 8KB，硬上限 2MB
const (
	DefaultMaxBytes = 8192
	HardMaxBytes    = 2_000_000
)

// ClampMaxBytes 规则 max_bytes 的归一化
func ClampMaxBytes(n int64) int64 {
	if n <= 0 {
		return DefaultMaxBytes
	}
	if n > HardMaxBytes {
		return HardMaxBytes
	}
	return n
}

// File 参与比较的一侧文件视图
type File struct {
	Path      string
	Checksum  string
	Size      *int64
	MTime     *int64
	Content   []byte // 已解码内容，不可得时为 nil
	Truncated bool
}

// Fingerprint 与 dvp.FileEntry 同语义的指纹
func (f File) Fingerprint() string {
	e := dvp.FileEntry{Checksum: f.Checksum, Size: f.Size, MTime: f.MTime}
	return e.Fingerprint()
}

// FromEntry 由上报条目构建文件视图（解码 base64 内容，解码失败按无内容处理）
func FromEntry(e dvp.FileEntry) File {
	f := File{
		Path:      e.Path,
		Checksum:  e.Checksum,
		Size:      e.Size,
		MTime:     e.MTime,
		Truncated: e.Truncated,
	}
	if e.ContentB64 != "" {
		if data, err := base64.StdEncoding.DecodeString(e.ContentB64); err == nil {
			f.Content = data
		}
	}
	return f
}

// FilterByRule 按规则通配挑出受控文件（通配语义与基线一致，`*` 跨 `/`）
func FilterByRule(files []dvp.FileEntry, globs []string) []dvp.FileEntry {
	var out []dvp.FileEntry
	for _, f := range files {
		for _, g := range globs {
			if g != "" && baseline.Glob(g, f.Path) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// 变更类型
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"
)

// Change 单个受控文件的变更
type Change struct {
	Path           string `json:"path"`
	Kind           string `json:"kind"`
	OldFingerprint string `json:"old_fingerprint,omitempty"`
	NewFingerprint string `json:"new_fingerprint,omitempty"`
	Diff           string `json:"diff,omitempty"`
}

// diff 文本超过该长度时截断
const maxDiffChars = 50_000

// Compare 比较两侧受控文件集合，返回按路径排序的变更列表。
// 双方都有 checksum 时比 checksum；否则双方都有 size+mtime 时比组合指纹；
// 两者皆缺的文件不可比较，跳过并记日志。
func Compare(prev, curr []File, log *zap.Logger) []Change {
	if log == nil {
		log = zap.NewNop()
	}
	prevByPath := make(map[string]File, len(prev))
	for _, f := range prev {
		prevByPath[f.Path] = f
	}
	currByPath := make(map[string]File, len(curr))
	for _, f := range curr {
		currByPath[f.Path] = f
	}

	var changes []Change
	for path, nf := range currByPath {
		of, ok := prevByPath[path]
		if !ok {
			changes = append(changes, Change{
				Path: path, Kind: ChangeAdded,
				NewFingerprint: nf.Fingerprint(),
			})
			continue
		}
		equal, comparable := compareFingerprints(of, nf)
		if !comparable {
			log.Warn("受控文件缺少可比较指纹，跳过", zap.String("path", path))
			continue
		}
		if equal {
			continue
		}
		changes = append(changes, Change{
			Path: path, Kind: ChangeModified,
			OldFingerprint: of.Fingerprint(),
			NewFingerprint: nf.Fingerprint(),
			Diff:           unifiedDiff(path, of.Content, nf.Content),
		})
	}
	for path, of := range prevByPath {
		if _, ok := currByPath[path]; !ok {
			changes = append(changes, Change{
				Path: path, Kind: ChangeRemoved,
				OldFingerprint: of.Fingerprint(),
			})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

func compareFingerprints(old, new File) (equal, comparable bool) {
	if old.Checksum != "" && new.Checksum != "" {
		return old.Checksum == new.Checksum, true
	}
	if old.Size != nil && old.MTime != nil && new.Size != nil && new.MTime != nil {
		return *old.Size == *new.Size && *old.MTime == *new.MTime, true
	}
	return false, false
}

// unifiedDiff 两侧都有文本内容时生成统一 diff，否则返回空串
func unifiedDiff(path string, old, new []byte) string {
	if old == nil || new == nil || !isText(old) || !isText(new) {
		return ""
	}
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(old)),
		B:        difflib.SplitLines(string(new)),
		FromFile: "a/" + strings.TrimPrefix(path, "/"),
		ToFile:   "b/" + strings.TrimPrefix(path, "/"),
		Context:  3,
	})
	if err != nil {
		return ""
	}
	if len(out) > maxDiffChars {
		out = out[:maxDiffChars] + "\n... (truncated)\n"
	}
	return out
}

func isText(b []byte) bool {
	return utf8.Valid(b) && !bytes.ContainsRune(b, 0)
}
