package dvp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// 认证方式
const (
	AuthNone         = "none"
	AuthBearer       = "bearer"
	AuthXDeviceToken = "x-device-token"
)

// 失败分类。失败只落快照，不向上抛错
const (
	ErrUnreachable   = "unreachable"
	ErrTimeout       = "timeout"
	ErrProtocolError = "protocol_error"
)

// DefaultPath 设备版本文档的约定路径
const DefaultPath = "/.well-known/device-version"

// Target 一次轮询的目标端点
type Target struct {
	Scheme    string // http / https，空值按 http 处理
	IP        string
	Port      int
	Path      string // 空值按 DefaultPath 处理
	AuthType  string
	AuthToken string
}

// URL 拼装目标地址
func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	path := t.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(t.IP, fmt.Sprintf("%d", t.Port)), path)
}

// Result 单次轮询结果。Success 为 false 时 ErrClass 标注失败分类，
// 协议层失败（非 200/非 JSON/缺必填项）仍可能带回 HTTPStatus 与 Raw。
type Result struct {
	Success    bool
	ErrClass   string
	ErrDetail  string
	HTTPStatus int
	Latency    time.Duration
	Doc        *Document
	Raw        []byte
}

// Client DVP 轮询客户端：单次有界 GET，不做重试
type Client struct {
	hc  *http.Client
	log *zap.Logger
}

// NewClient 创建客户端。timeout 是单次请求的总预算（协议约定 2 秒）。
func NewClient(timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	tr := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   4,
		DisableKeepAlives:     false,
	}
	return &Client{
		hc:  &http.Client{Transport: tr, Timeout: timeout},
		log: log,
	}
}

func authHeaders(req *http.Request, authType, token string) {
	if token == "" {
		return
	}
	switch authType {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+token)
	case AuthXDeviceToken:
		req.Header.Set("X-Device-Token", token)
	}
}

// Poll 对单个设备执行一次版本查询。
// 返回的 Result 总是有效；传输层/协议层失败体现在 ErrClass，不作为 error 返回。
func (c *Client) Poll(ctx context.Context, t Target) Result {
	start := time.Now()
	res := Result{}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL(), nil)
	if err != nil {
		res.ErrClass = ErrUnreachable
		res.ErrDetail = err.Error()
		res.Latency = time.Since(start)
		return res
	}
	req.Header.Set("Accept", "application/json")
	authHeaders(req, t.AuthType, t.AuthToken)

	resp, err := c.hc.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.ErrClass = classifyTransportErr(err)
		res.ErrDetail = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.HTTPStatus = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	res.Latency = time.Since(start)
	if err != nil {
		res.ErrClass = classifyTransportErr(err)
		res.ErrDetail = err.Error()
		return res
	}
	res.Raw = body

	if resp.StatusCode != http.StatusOK {
		res.ErrClass = fmt.Sprintf("http_%d", resp.StatusCode)
		res.ErrDetail = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		res.ErrClass = ErrProtocolError
		res.ErrDetail = fmt.Sprintf("unexpected content type %q", ct)
		return res
	}

	doc, err := ParseDocument(body)
	if err != nil {
		res.ErrClass = ErrProtocolError
		res.ErrDetail = err.Error()
		return res
	}
	res.Success = true
	res.Doc = doc
	return res
}

// FetchFile 按需拉取受控文件内容（文档路径 + "/file?path=..."）。
// 返回的字节已按 maxBytes 截断，truncated 标注是否发生截断。
func (c *Client) FetchFile(ctx context.Context, t Target, path string, maxBytes int64) (data []byte, truncated bool, err error) {
	base := t.URL()
	u := base + "/file?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	authHeaders(req, t.AuthType, t.AuthToken)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("fetch file %q: http %d", path, resp.StatusCode)
	}
	if maxBytes <= 0 {
		maxBytes = 8192
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}

func classifyTransportErr(err error) string {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return ErrUnreachable
}
