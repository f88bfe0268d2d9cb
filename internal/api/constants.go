package api

import "errors"

// 请求校验错误（统一措辞，便于前端匹配）
var (
	errMissingScope   = errors.New("cluster_id, supplier and device_type are required")
	errEmptyPaths     = errors.New("paths must not be empty")
	errBadMode        = errors.New("mode must be auto, inline or fetch")
	errUnknownCluster = errors.New("cluster not found")
	errBadScheme      = errors.New("url scheme must be http or https")
	errNoHost         = errors.New("url host is required")
	errBadPort        = errors.New("invalid url port")
)

// ServiceName 对外暴露的服务名
const ServiceName = "version-manager"
