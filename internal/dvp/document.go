package dvp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document 设备上报的版本文档（协议 "dvp"）。
// 未识别字段一律忽略（向后兼容约定），Raw 保留原始报文。
type Document struct {
	Protocol        string
	ProtocolVersion int
	Device          DeviceInfo
	Versions        map[string]string
	Files           []FileEntry
	Raw             json.RawMessage
}

// DeviceInfo 文档中的 device 对象，字段全部可选
type DeviceInfo struct {
	Serial     string `json:"serial"`
	Supplier   string `json:"supplier"`
	DeviceType string `json:"device_type"`
	LineNo     string `json:"line_no"`
	Model      string `json:"model"`
}

// FileEntry 文档 files[] 中的一项
type FileEntry struct {
	Path        string `json:"path"`
	Size        *int64 `json:"size"`
	MTime       *int64 `json:"mtime"`
	Checksum    string `json:"checksum"`
	ContentB64  string `json:"content_b64"`
	Encoding    string `json:"encoding"`
	ContentType string `json:"content_type"`
	Truncated   bool   `json:"truncated"`
}

// Fingerprint 文件比较指纹：优先 checksum，其次 size+mtime 组合。
// 两者都缺失时返回空串，表示不可比较。
func (f FileEntry) Fingerprint() string {
	if f.Checksum != "" {
		return f.Checksum
	}
	if f.Size != nil && f.MTime != nil {
		return fmt.Sprintf("size=%d|mtime=%d", *f.Size, *f.MTime)
	}
	return ""
}

// MainVersion 返回 versions.main（协议必填项，解析时已校验非空）
func (d *Document) MainVersion() string {
	return d.Versions["main"]
}

// FirmwareVersion 返回 versions.firmware（可选）
func (d *Document) FirmwareVersion() string {
	return d.Versions["firmware"]
}

type rawDocument struct {
	Protocol        string          `json:"protocol"`
	ProtocolVersion json.Number     `json:"protocol_version"`
	Device          json.RawMessage `json:"device"`
	Versions        json.RawMessage `json:"versions"`
	Files           json.RawMessage `json:"files"`
}

// ParseDocument 解析并校验 DVP 文档。
// 必填项：protocol == "dvp"、整数 protocol_version、device 对象、非空 versions.main。
// 向后兼容约定：未识别或类型不符的嵌套字段一律忽略，不拒收整份文档。
func ParseDocument(body []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if raw.Protocol != "dvp" {
		return nil, fmt.Errorf("unexpected protocol %q", raw.Protocol)
	}
	pv, err := raw.ProtocolVersion.Int64()
	if err != nil {
		return nil, fmt.Errorf("protocol_version not an integer: %q", raw.ProtocolVersion.String())
	}
	if len(raw.Device) == 0 || raw.Device[0] != '{' {
		return nil, fmt.Errorf("device is not an object")
	}
	var dev DeviceInfo
	if err := json.Unmarshal(raw.Device, &dev); err != nil {
		return nil, fmt.Errorf("device object: %w", err)
	}

	versions := decodeVersions(raw.Versions)
	if strings.TrimSpace(versions["main"]) == "" {
		return nil, fmt.Errorf("versions.main missing or empty")
	}

	return &Document{
		Protocol:        raw.Protocol,
		ProtocolVersion: int(pv),
		Device:          dev,
		Versions:        versions,
		Files:           decodeFiles(raw.Files),
		Raw:             json.RawMessage(body),
	}, nil
}

// decodeVersions 逐项解析 versions 对象，只收字符串值，其余成员丢弃
func decodeVersions(raw json.RawMessage) map[string]string {
	var members map[string]json.RawMessage
	if json.Unmarshal(raw, &members) != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(members))
	for k, v := range members {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[k] = s
		}
	}
	return out
}

// decodeFiles 逐条解析 files[]。整条不是对象或 path 不可用时丢弃该条，
// 可选字段类型不符时按缺失处理。
func decodeFiles(raw json.RawMessage) []FileEntry {
	var entries []json.RawMessage
	if json.Unmarshal(raw, &entries) != nil {
		return nil
	}
	files := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		var fields map[string]json.RawMessage
		if json.Unmarshal(e, &fields) != nil {
			continue
		}
		var f FileEntry
		if !decodeString(fields["path"], &f.Path) || f.Path == "" {
			continue
		}
		decodeString(fields["checksum"], &f.Checksum)
		decodeString(fields["content_b64"], &f.ContentB64)
		decodeString(fields["encoding"], &f.Encoding)
		decodeString(fields["content_type"], &f.ContentType)
		f.Size = decodeInt64(fields["size"])
		f.MTime = decodeInt64(fields["mtime"])
		_ = json.Unmarshal(fields["truncated"], &f.Truncated)
		files = append(files, f)
	}
	return files
}

func decodeString(raw json.RawMessage, dst *string) bool {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return false
	}
	*dst = s
	return true
}

func decodeInt64(raw json.RawMessage) *int64 {
	var v int64
	if json.Unmarshal(raw, &v) != nil {
		return nil
	}
	return &v
}
