package baseline

// Matches 判断上报的主版本是否符合基线：
// 先与 expected 做大小写敏感的精确比较，再按顺序尝试 globs 通配。
// expected 为空时只看 globs；两者都为空视为不匹配（空基线在入库时已被拒绝）。
func Matches(reported, expected string, globs []string) bool {
	if reported == "" {
		return false
	}
	if expected != "" && reported == expected {
		return true
	}
	for _, g := range globs {
		if g == "" {
			continue
		}
		if Glob(g, reported) {
			return true
		}
	}
	return false
}

// Glob 全串通配匹配：`*` 匹配任意长度的任意字符（包括 `/`），`?` 匹配单个字符。
// 版本串与受控文件路径共用这套语义，`path.Match` 的 `*` 不跨 `/`，不适用。
func Glob(pattern, s string) bool {
	return globMatch(pattern, s)
}

func globMatch(p, s string) bool {
	// 迭代 + 回溯：记住最近一个 `*` 的位置，失配时回退
	pi, si := 0, 0
	starP, starS := -1, -1
	for si < len(s) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			starP, starS = pi, si
			pi++
		case starP >= 0:
			starS++
			pi, si = starP+1, starS
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
