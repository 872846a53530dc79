package wire

type BaseResp struct {
	Code int    `json:"code" example:"0"`
	Msg  string `json:"msg" example:"ok"`
}

type HealthStatusResp struct {
	Status      string `json:"status" example:"ok"`
	Version     string `json:"version" example:"1.1.0"`
	DBVersion   string `json:"dbver" example:"1.1.0"`
	Chain       string `json:"chain" example:"mainnet"`
	Height      uint32 `json:"height" example:"850000"`
	BlockHash   string `json:"blockhash"`
	MempoolSize int    `json:"mempool_size" example:"5000"`
}

type HistoryReq struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit"`
	Detail bool   `form:"detail"`
	Order  string `form:"order"`
}
