package rpcserver

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/config"
	"gopkg.in/yaml.v2"
)

type RateLimit struct {
	limit    *limiter.Limiter
	day      string
	reqCount int
}

// InitApiConf 复制一份配置，运行期间不受外部修改影响
func (s *Rpc) InitApiConf(cfgData *config.API) error {
	if cfgData == nil {
		return nil
	}
	s.apiConfMutex.Lock()
	defer s.apiConfMutex.Unlock()

	raw, err := yaml.Marshal(cfgData)
	if err != nil {
		return err
	}
	s.api = &config.API{}
	err = yaml.Unmarshal(raw, s.api)
	if err != nil {
		return err
	}
	s.initApiConf = len(s.api.APIKeyList) > 0
	return nil
}

func localIpList() ([]string, error) {
	ret := make([]string, 0)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && ipNet.IP.To4() != nil {
			ret = append(ret, ipNet.IP.String())
		}
	}
	ret = append(ret, "localhost")
	return ret, nil
}

func (s *Rpc) applyApiConf(r *gin.Engine, basePath string) error {
	localIps, err := localIpList()
	if err != nil {
		return err
	}

	r.Use(func(c *gin.Context) {
		if s.initApiConf && !s.authorize(c, localIps, basePath) {
			c.Abort()
			return
		}
		c.Next()
	})
	return nil
}

// authorize 检查 api key 和限速，失败时已经写好响应
func (s *Rpc) authorize(c *gin.Context, localIps []string, basePath string) bool {
	for _, ip := range localIps {
		if strings.Contains(c.Request.Host, ip) {
			return true
		}
	}

	s.apiConfMutex.Lock()
	defer s.apiConfMutex.Unlock()
	for _, apiUrl := range s.api.NoLimitApiList {
		if strings.TrimSuffix(basePath, "/")+apiUrl == c.Request.URL.Path {
			return true
		}
	}

	clientIp := c.ClientIP()
	common.Log.Debugf("authorization client Ip: %s", clientIp)
	for _, host := range s.api.NoLimitHostList {
		if clientIp == host {
			return true
		}
	}

	authorization := c.GetHeader("Authorization")
	apiKey := s.api.APIKeyList[authorization]
	if apiKey == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API Key"})
		return false
	}
	if apiKey.RateLimit == nil || apiKey.RateLimit.PerSecond == 0 || apiKey.RateLimit.PerDay == 0 {
		return true
	}

	var rateLimit *RateLimit
	v, ok := s.apiLimitMap.Load(authorization)
	if !ok {
		lmt := tollbooth.NewLimiter(float64(apiKey.RateLimit.PerSecond), &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
		lmt.SetMax(float64(apiKey.RateLimit.Max))
		lmt.SetBurst(apiKey.RateLimit.Burst)
		lmt.SetTokenBucketExpirationTTL(time.Minute)
		rateLimit = &RateLimit{limit: lmt}
		s.apiLimitMap.Store(authorization, rateLimit)
	} else {
		rateLimit = v.(*RateLimit)
	}

	today := time.Now().Format("2006-01-02")
	if rateLimit.day != today {
		rateLimit.day = today
		rateLimit.reqCount = 0
	}
	rateLimit.reqCount++
	if rateLimit.reqCount > apiKey.RateLimit.PerDay {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return false
	}

	httpError := tollbooth.LimitByRequest(rateLimit.limit, c.Writer, c.Request)
	if httpError != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return false
	}
	return true
}
