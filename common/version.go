package common

// 1.0.0  2026.09.20   group history + mempool overlay
// 1.1.0  2026.10.12   token groups, oldest-first paging
const GROUPHISTORY_VERSION = "1.1.0"

// 1.0.0  2026.09.20
// 1.1.0  2026.10.12    block undo records keep previous values
const HISTORY_DB_VERSION = "1.1.0"
