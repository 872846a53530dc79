package wire

type SpendRef struct {
	TxId    string `json:"txid"`
	Pending bool   `json:"pending"`
	Height  uint32 `json:"height,omitempty"`
	TxIndex uint32 `json:"tx_index,omitempty"`
}

type TxInput struct {
	PrevTxId string    `json:"prev_txid"`
	PrevVout uint32    `json:"prev_vout"`
	Coinbase bool      `json:"coinbase,omitempty"`
	Resolved bool      `json:"resolved"`
	Value    int64     `json:"value,omitempty"`
	Script   string    `json:"script,omitempty"`
	SpentBy  *SpendRef `json:"spent_by"`
}

type TxOutput struct {
	Vout    uint32    `json:"vout"`
	Value   int64     `json:"value"`
	Script  string    `json:"script"`
	SpentBy *SpendRef `json:"spent_by,omitempty"`
}

type TxStatus struct {
	Confirmed bool   `json:"confirmed"`
	Height    uint32 `json:"height,omitempty"`
	TxIndex   uint32 `json:"tx_index,omitempty"`
	BlockHash string `json:"blockhash,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

type TxView struct {
	TxId    string      `json:"txid"`
	Status  TxStatus    `json:"status"`
	Inputs  []*TxInput  `json:"vin"`
	Outputs []*TxOutput `json:"vout"`
}

type HistoryEntry struct {
	TxId      string  `json:"txid"`
	Confirmed bool    `json:"confirmed"`
	Height    uint32  `json:"height,omitempty"`
	TxIndex   uint32  `json:"tx_index,omitempty"`
	Seq       uint64  `json:"seq,omitempty"`
	Direction string  `json:"direction" example:"received"`
	Tx        *TxView `json:"tx,omitempty"`
}

type HistoryData struct {
	Group      string          `json:"group"`
	Order      string          `json:"order" example:"desc"`
	Flagged    bool            `json:"flagged,omitempty"`
	Entries    []*HistoryEntry `json:"entries"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type HistoryResp struct {
	BaseResp
	Data *HistoryData `json:"data"`
}

type TxResp struct {
	BaseResp
	Data *TxView `json:"data"`
}
