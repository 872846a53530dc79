package base

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/rpcserver/wire"
)

func httpStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidArgument), errors.Is(err, common.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorResp(err error) wire.BaseResp {
	return wire.BaseResp{
		Code: common.ErrorCode(err),
		Msg:  err.Error(),
	}
}

// @Summary Health Check
// @Description Check the health status of the service
// @Produce json
// @Success 200 {object} wire.HealthStatusResp "Successful response"
// @Router /health [get]
func (s *Service) getHealth(c *gin.Context) {
	status, err := s.model.indexer.Status()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResp(err))
		return
	}
	rsp := &wire.HealthStatusResp{
		Status:      "ok",
		Version:     common.GROUPHISTORY_VERSION,
		DBVersion:   common.HISTORY_DB_VERSION,
		Chain:       status.Chain,
		Height:      status.Height,
		MempoolSize: status.MempoolSize,
	}
	if status.HasTip {
		rsp.BlockHash = status.Hash.String()
	}

	code := http.StatusOK
	if !status.Synced {
		code = 201
		rsp.Status = "syncing"
	}
	c.JSON(code, rsp)
}

// @Summary Get the transaction history of a group
// @Description Unconfirmed transactions first, then confirmed ones, newest first unless order=asc
// @Produce json
// @Param kind path string true "address, script, scripthash or token"
// @Param group path string true "group value"
// @Param cursor query string false "next_cursor of the previous page"
// @Param limit query int false "page size"
// @Param detail query bool false "include transaction details"
// @Param order query string false "desc or asc"
// @Success 200 {object} wire.HistoryResp "Successful response"
// @Router /history/{kind}/{group} [get]
func (s *Service) getHistory(c *gin.Context) {
	resp := &wire.HistoryResp{
		BaseResp: wire.BaseResp{
			Code: 0,
			Msg:  "ok",
		},
	}

	var req wire.HistoryReq
	if err := c.ShouldBindQuery(&req); err != nil {
		err = common.InvalidArgument("%v", err)
		resp.BaseResp = errorResp(err)
		c.JSON(httpStatus(err), resp)
		return
	}

	data, err := s.model.getHistory(c.Request.Context(), c.Param("kind"), c.Param("group"), &req)
	if err != nil {
		resp.BaseResp = errorResp(err)
		c.JSON(httpStatus(err), resp)
		return
	}
	resp.Data = data
	c.JSON(http.StatusOK, resp)
}

// @Summary Get a transaction
// @Produce json
// @Param txid path string true "txid"
// @Success 200 {object} wire.TxResp "Successful response"
// @Router /tx/{txid} [get]
func (s *Service) getTx(c *gin.Context) {
	resp := &wire.TxResp{
		BaseResp: wire.BaseResp{
			Code: 0,
			Msg:  "ok",
		},
	}
	data, err := s.model.getTx(c.Request.Context(), c.Param("txid"))
	if err != nil {
		resp.BaseResp = errorResp(err)
		c.JSON(httpStatus(err), resp)
		return
	}
	resp.Data = data
	c.JSON(http.StatusOK, resp)
}
