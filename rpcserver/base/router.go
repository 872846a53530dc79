package base

import (
	"github.com/gin-gonic/gin"
)

type Service struct {
	model *Model
}

func NewService(i Indexer, defaultPageSize int) *Service {
	return &Service{
		model: NewModel(i, defaultPageSize),
	}
}

func (s *Service) InitRouter(r *gin.Engine, basePath string) {
	// 心跳
	r.GET(basePath+"/health", s.getHealth)
	// group 的交易历史，kind: address/script/scripthash/token
	r.GET(basePath+"/history/:kind/:group", s.getHistory)
	// 单个交易，已确认或者在内存池中
	r.GET(basePath+"/tx/:txid", s.getTx)
}
