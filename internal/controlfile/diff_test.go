package controlfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/version-manager/internal/dvp"
)

func i64(v int64) *int64 { return &v }

func TestFilterByRule(t *testing.T) {
	files := []dvp.FileEntry{
		{Path: "/etc/app.conf"},
		{Path: "/etc/app/sub.conf"},
		{Path: "/var/log/app.log"},
	}
	got := FilterByRule(files, []string{"/etc/*"})
	require.Len(t, got, 2)
	assert.Equal(t, "/etc/app.conf", got[0].Path)
	assert.Equal(t, "/etc/app/sub.conf", got[1].Path)

	assert.Empty(t, FilterByRule(files, nil))
	assert.Empty(t, FilterByRule(files, []string{""}))
}

func TestCompareChecksumPreferred(t *testing.T) {
	// checksum 不同即判定 modified，即使 size/mtime 相同
	prev := []File{{Path: "/etc/a", Checksum: "h1", Size: i64(10), MTime: i64(100)}}
	curr := []File{{Path: "/etc/a", Checksum: "h2", Size: i64(10), MTime: i64(100)}}
	changes := Compare(prev, curr, nil)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeModified, changes[0].Kind)
	assert.Equal(t, "h1", changes[0].OldFingerprint)
	assert.Equal(t, "h2", changes[0].NewFingerprint)
}

func TestCompareSizeMtimeFallback(t *testing.T) {
	// 一侧缺 checksum 时退化到 size+mtime 比较
	prev := []File{{Path: "/etc/a", Size: i64(10), MTime: i64(100)}}
	curr := []File{{Path: "/etc/a", Checksum: "h2", Size: i64(10), MTime: i64(100)}}
	assert.Empty(t, Compare(prev, curr, nil))

	curr2 := []File{{Path: "/etc/a", Size: i64(10), MTime: i64(200)}}
	changes := Compare(prev, curr2, nil)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeModified, changes[0].Kind)
}

func TestCompareUncomparableSkipped(t *testing.T) {
	prev := []File{{Path: "/etc/a", Size: i64(10)}} // 无 checksum 无 mtime
	curr := []File{{Path: "/etc/a", MTime: i64(5)}}
	assert.Empty(t, Compare(prev, curr, nil))
}

func TestCompareAddedRemoved(t *testing.T) {
	prev := []File{{Path: "/etc/gone", Checksum: "x"}, {Path: "/etc/keep", Checksum: "k"}}
	curr := []File{{Path: "/etc/keep", Checksum: "k"}, {Path: "/etc/new", Checksum: "y"}}
	changes := Compare(prev, curr, nil)
	require.Len(t, changes, 2)
	// 结果按路径排序
	assert.Equal(t, ChangeRemoved, changes[0].Kind)
	assert.Equal(t, "/etc/gone", changes[0].Path)
	assert.Equal(t, ChangeAdded, changes[1].Kind)
	assert.Equal(t, "/etc/new", changes[1].Path)
}

// 同一对集合比较两次结果一致，且无变化时集合为空
func TestCompareIdempotent(t *testing.T) {
	side := []File{
		{Path: "/etc/a", Checksum: "h"},
		{Path: "/etc/b", Size: i64(1), MTime: i64(2)},
	}
	assert.Empty(t, Compare(side, side, nil))

	other := []File{{Path: "/etc/a", Checksum: "h2"}, {Path: "/etc/b", Size: i64(1), MTime: i64(2)}}
	first := Compare(side, other, nil)
	second := Compare(side, other, nil)
	assert.Equal(t, first, second)
	require.Len(t, first, 1)
}

func TestCompareUnifiedDiff(t *testing.T) {
	prev := []File{{Path: "/etc/a.conf", Checksum: "h1", Content: []byte("k=1\nv=2\n")}}
	curr := []File{{Path: "/etc/a.conf", Checksum: "h2", Content: []byte("k=1\nv=3\n")}}
	changes := Compare(prev, curr, nil)
	require.Len(t, changes, 1)
	assert.Contains(t, changes[0].Diff, "-v=2")
	assert.Contains(t, changes[0].Diff, "+v=3")
	assert.Contains(t, changes[0].Diff, "a/etc/a.conf")

	// 二进制内容不出 diff
	prevBin := []File{{Path: "/etc/a", Checksum: "h1", Content: []byte{0x00, 0x01}}}
	currBin := []File{{Path: "/etc/a", Checksum: "h2", Content: []byte{0x00, 0x02}}}
	changes = Compare(prevBin, currBin, nil)
	require.Len(t, changes, 1)
	assert.Empty(t, changes[0].Diff)

	// 只有单侧内容也不出 diff
	prevNil := []File{{Path: "/etc/a.conf", Checksum: "h1"}}
	changes = Compare(prevNil, curr, nil)
	require.Len(t, changes, 1)
	assert.Empty(t, changes[0].Diff)
}

func TestClampMaxBytes(t *testing.T) {
	assert.Equal(t, int64(DefaultMaxBytes), ClampMaxBytes(0))
	assert.Equal(t, int64(DefaultMaxBytes), ClampMaxBytes(-5))
	assert.Equal(t, int64(1024), ClampMaxBytes(1024))
	assert.Equal(t, int64(HardMaxBytes), ClampMaxBytes(HardMaxBytes+1))
}

func TestFromEntry(t *testing.T) {
	e := dvp.FileEntry{Path: "/etc/a", Checksum: "h", ContentB64: "aGVsbG8=", Truncated: true}
	f := FromEntry(e)
	assert.Equal(t, "hello", string(f.Content))
	assert.True(t, f.Truncated)

	// 非法 base64 按无内容处理
	bad := FromEntry(dvp.FileEntry{Path: "/etc/a", ContentB64: "!!!"})
	assert.Nil(t, bad.Content)
}
