package firehose

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/websocket"

	"github.com/chcolte/bluesky-mention-bot-go/carblocks"
	"github.com/chcolte/bluesky-mention-bot-go/logger"
	"github.com/chcolte/bluesky-mention-bot-go/models"
)

// DefaultURL は relay の subscribeRepos エンドポイント
const DefaultURL = "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"

// Source は購読からコミットエンベロープを順に取り出す。
// ストリームが終わる（切断・プロトコルエラー）とNextがエラーを返す。
type Source interface {
	Next() (*models.CommitEnvelope, error)
	Close() error
}

// DialFunc はカーソル指定付きで購読を開始する。
// hasCursor が false のときはライブテイルから開始する。
type DialFunc func(cursor uint64, hasCursor bool) (Source, error)

// Dial はfirehose URLへのDialFuncを作る
func Dial(rawURL string) DialFunc {
	return func(cursor uint64, hasCursor bool) (Source, error) {
		wsURL, origin := urlAdjust(rawURL)
		if hasCursor {
			sep := "?"
			if strings.Contains(wsURL, "?") {
				sep = "&"
			}
			wsURL = fmt.Sprintf("%s%scursor=%d", wsURL, sep, cursor)
		}

		ws, err := websocket.Dial(wsURL, "", origin)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to ", wsURL)
		return &Client{ws: ws}, nil
	}
}

// Client はsubscribeReposのWebSocket購読1本分
type Client struct {
	ws *websocket.Conn
}

// Next は次の#commitエンベロープを返す。
// 1フレーム = CBORヘッダー + CBORペイロードの2値。#commit以外のフレームと
// デコードできないフレームは読み飛ばす（ストリームは止めない）。
func (c *Client) Next() (*models.CommitEnvelope, error) {
	for {
		var rawMsg []byte
		if err := websocket.Message.Receive(c.ws, &rawMsg); err != nil {
			return nil, err
		}

		decoder := cbor.NewDecoder(bytes.NewReader(rawMsg))

		var header map[string]interface{}
		if err := decoder.Decode(&header); err != nil {
			logger.Debugf("Failed to decode CBOR header: %v", err)
			continue
		}

		// op = -1 はエラーフレーム（符号付き整数としてデコードされる）
		if op, ok := header["op"].(int64); ok && op < 0 {
			var errPayload map[string]interface{}
			_ = decoder.Decode(&errPayload)
			logger.Errorf("Received error frame from firehose: %+v", errPayload)
			continue
		}

		messageType, _ := header["t"].(string)
		if messageType != "#commit" {
			logger.Debugf("Skipping %q frame", messageType)
			continue
		}

		var payload map[string]interface{}
		if err := decoder.Decode(&payload); err != nil {
			logger.Debugf("Failed to decode commit payload: %v", err)
			continue
		}

		return parseCommitEnvelope(payload), nil
	}
}

func (c *Client) Close() error {
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

// マップからCommitEnvelopeを作成
func parseCommitEnvelope(m map[string]interface{}) *models.CommitEnvelope {
	env := &models.CommitEnvelope{}

	// 文字列フィールド
	if repo, ok := m["repo"].(string); ok {
		env.Repo = repo
	}
	if rev, ok := m["rev"].(string); ok {
		env.Rev = rev
	}
	if since, ok := m["since"].(string); ok {
		env.Since = since
	}
	if t, ok := m["time"].(string); ok {
		env.Time = t
	}

	// シーケンス番号 (uint64またはint64)
	switch seq := m["seq"].(type) {
	case uint64:
		env.Seq = seq
	case int64:
		env.Seq = uint64(seq)
	}

	if tooBig, ok := m["tooBig"].(bool); ok {
		env.TooBig = tooBig
	}

	// blocks (バイト配列)
	if blocks, ok := m["blocks"].([]byte); ok {
		env.Blocks = blocks
	}

	// ops配列（CBORデコーダの設定次第でキーがinterface{}のマップになる）
	if opsRaw, ok := m["ops"].([]interface{}); ok {
		for _, opRaw := range opsRaw {
			opMap := asStringMap(opRaw)
			if opMap == nil {
				continue
			}
			op := models.Operation{}
			if action, ok := opMap["action"].(string); ok {
				op.Action = action
			}
			if path, ok := opMap["path"].(string); ok {
				op.Path = path
			}
			op.Cid = carblocks.CidToString(opMap["cid"])
			env.Ops = append(env.Ops, op)
		}
	}

	return env
}

func asStringMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				result[ks] = val
			}
		}
		return result
	}
	return nil
}

// URLを変換
func urlAdjust(url string) (ws string, http string) {
	if strings.HasPrefix(url, "https://") {
		return strings.Replace(url, "https://", "wss://", -1), url
	}
	if strings.HasPrefix(url, "http://") {
		return strings.Replace(url, "http://", "ws://", -1), url
	}
	if strings.HasPrefix(url, "wss://") {
		return url, strings.Replace(url, "wss://", "https://", -1)
	}
	if strings.HasPrefix(url, "ws://") {
		return url, strings.Replace(url, "ws://", "http://", -1)
	}
	return "wss://" + url, "https://" + url
}
