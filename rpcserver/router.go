package rpcserver

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/config"
	"github.com/sat20-labs/grouphistory/rpcserver/base"
)

const (
	STRICT_TRANSPORT_SECURITY   = "strict-transport-security"
	CONTENT_SECURITY_POLICY     = "content-security-policy"
	CACHE_CONTROL               = "cache-control"
	VARY                        = "vary"
	ACCESS_CONTROL_ALLOW_ORIGIN = "access-control-allow-origin"
	TRANSFER_ENCODING           = "transfer-encoding"
	CONTENT_ENCODING            = "content-encoding"
)

type Rpc struct {
	basicService *base.Service

	apiConfMutex sync.Mutex
	api          *config.API
	initApiConf  bool
	apiLimitMap  sync.Map // authorization -> *RateLimit
}

func NewRpc(indexer base.Indexer, defaultPageSize int) *Rpc {
	return &Rpc{
		basicService: base.NewService(indexer, defaultPageSize),
	}
}

func accessLogWriter(rpcLogFile string) (io.Writer, error) {
	var writers []io.Writer
	if rpcLogFile != "" {
		exePath, _ := os.Executable()
		executableName := filepath.Base(exePath)
		if strings.Contains(executableName, "debug") {
			executableName = "debug"
		}
		executableName += ".rpc"
		fileHook, err := rotatelogs.New(
			rpcLogFile+"/"+executableName+".%Y%m%d%H%M.log",
			rotatelogs.WithLinkName(rpcLogFile+"/"+executableName+".log"),
			rotatelogs.WithMaxAge(7*24*time.Hour),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create RotateFile hook, error %s", err)
		}
		writers = append(writers, fileHook)
	}
	writers = append(writers, os.Stdout)
	return io.MultiWriter(writers...), nil
}

// NewRouter 组装所有中间件和路由，accessLog 为空时不记录访问日志
func (s *Rpc) NewRouter(rpcProxy string, accessLog io.Writer, apiConf *config.API) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if accessLog != nil {
		r.Use(gin.LoggerWithWriter(accessLog))
	}

	corsConfig := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	corsConfig.OptionsResponseStatusCode = 200
	r.Use(cors.New(corsConfig))

	// api config
	err := s.InitApiConf(apiConf)
	if err != nil {
		return nil, err
	}
	err = s.applyApiConf(r, rpcProxy)
	if err != nil {
		return nil, err
	}

	// common header
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set(VARY, "Origin")
		c.Writer.Header().Add(VARY, "Access-Control-Request-Method")
		c.Writer.Header().Add(VARY, "Access-Control-Request-Headers")

		c.Writer.Header().Set(
			CONTENT_SECURITY_POLICY,
			"default-src 'self'",
		)
		c.Writer.Header().Set(
			STRICT_TRANSPORT_SECURITY,
			"max-age=31536000; includeSubDomains; preload",
		)
		c.Writer.Header().Set(
			ACCESS_CONTROL_ALLOW_ORIGIN,
			"*",
		)
		c.Next()
	})

	basePath := strings.TrimSuffix(rpcProxy, "/")
	metricsPath := basePath + "/metrics"

	// promhttp 自己处理 gzip
	r.Use(CompressionMiddleware(metricsPath))

	// router
	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	s.basicService.InitRouter(r, basePath)
	return r, nil
}

func (s *Rpc) Start(rpcUrl, rpcProxy, rpcLogFile string, apiConf *config.API) error {
	accessLog, err := accessLogWriter(rpcLogFile)
	if err != nil {
		return err
	}
	gin.DefaultWriter = accessLog
	r, err := s.NewRouter(rpcProxy, accessLog, apiConf)
	if err != nil {
		return err
	}

	parts := strings.Split(rpcUrl, ":")
	var port string
	if len(parts) < 2 {
		rpcUrl += ":80"
		port = "80"
	} else {
		port = parts[len(parts)-1]
	}

	// 先检查端口
	if err := checkPort(port); err != nil {
		return err
	}

	go func() {
		if err := r.Run(rpcUrl); err != nil {
			common.Log.Errorf("rpc server exited, %v", err)
		}
	}()
	return nil
}

func checkPort(port string) error {
	addr := fmt.Sprintf(":%s", port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %s is in use: %v", port, err)
	}
	l.Close()
	return nil
}
