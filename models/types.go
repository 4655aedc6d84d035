package models

// マッチイベントの種別（下流のボットが"type"フィールドで判別する）
const EventTypeFirehoseMention = "firehose_mention"

// マッチ理由。複数条件が同時に成立した場合は mention > quote > reply の優先順で1つだけ報告する
const (
	ReasonMention = "mention"
	ReasonQuote   = "quote"
	ReasonReply   = "reply"
)

// リポジトリ操作の種別
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// CommitEnvelope は firehose の #commit メッセージ1件分
type CommitEnvelope struct {
	Repo   string // 投稿者リポジトリのDID
	Rev    string
	Seq    uint64 // 単調増加のシーケンス番号（カーソルの元）
	Since  string
	Time   string
	TooBig bool // blocksが大きすぎて省略された場合 true
	Ops    []Operation
	Blocks []byte // CAR形式のブロックコンテナ
}

// Operation はコミット内の1レコード操作
type Operation struct {
	Action string // create, update, delete
	Path   string // "<collection>/<rkey>"
	Cid    string // レコードのCID（文字列化済み）
}

// MatchEvent は標準出力に1行JSONで書き出すイベント。
// フィールドの順序・名前は下流プロセスが解析する契約なので変更しないこと。
type MatchEvent struct {
	Type   string      `json:"type"`
	URI    string      `json:"uri"`
	Cid    string      `json:"cid"`
	Author Author      `json:"author"`
	Record interface{} `json:"record"`
	Reason string      `json:"reason"`
}

// Author は投稿者情報。handleはこのプロセスでは解決しない（常にnull）
type Author struct {
	Did    string  `json:"did"`
	Handle *string `json:"handle"`
}
