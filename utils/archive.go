package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chcolte/bluesky-mention-bot-go/logger"
	"github.com/google/uuid"
)

const ToolVersion = "0.1.0"

// プロセス起動時に1回生成されるセッションID
var ServerSessionID = uuid.New().String()

// レコードタイプ定数
const (
	RecordTypeSessionInfo = "session_info"
	RecordTypeMatchEvent  = "match_event"
)

// saveRecord: JSONL形式で保存するベース関数。
// エンベロープ（必須フィールド）のみを管理し、dataの中身は呼び出し側が構築する。
//
// 必須フィールド（自動付与）:
//   - record_id:       レコードごとのUUID
//   - server_session:  プロセスセッションID
//   - saved_at:        保存時刻（RFC3339）
//   - record_type:     レコード種別
func saveRecord(recordType string, data interface{}, savePath string) error {
	envelope := struct {
		RecordID      string      `json:"record_id"`
		ServerSession string      `json:"server_session"`
		SavedAt       string      `json:"saved_at"`
		RecordType    string      `json:"record_type"`
		Data          interface{} `json:"data"`
	}{
		RecordID:      uuid.New().String(),
		ServerSession: ServerSessionID,
		SavedAt:       time.Now().Format(time.RFC3339),
		RecordType:    recordType,
		Data:          data,
	}

	line, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// ディレクトリを自動作成
	dir := filepath.Dir(savePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// JSONL形式でappend
	f, err := os.OpenFile(savePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(string(line) + "\n"); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}

	logger.Debugf("Saved %s record to %s", recordType, savePath)
	return nil
}

// SaveSessionInfo は監視セッション開始時のメタデータを保存する。
func SaveSessionInfo(savePath string, firehoseURL string, targetDid string) error {
	data := struct {
		Software        string `json:"software"`
		ServerSessionID string `json:"server_session_id"`
		FirehoseURL     string `json:"firehose_url"`
		TargetDid       string `json:"target_did"`
	}{
		Software:        "bluesky-mention-bot-go/" + ToolVersion,
		ServerSessionID: ServerSessionID,
		FirehoseURL:     firehoseURL,
		TargetDid:       targetDid,
	}
	return saveRecord(RecordTypeSessionInfo, data, savePath)
}

// computeDigest は生データのSHA256ダイジェストを計算する。
func computeDigest(rawJSON []byte) string {
	hash := sha256.Sum256(rawJSON)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// SaveMatchEvent は標準出力に書き出したマッチイベントをアーカイブに残す。
// 生JSONとそのダイジェストを含むので、下流へ渡した内容を後から検証できる。
func SaveMatchEvent(rawJSON []byte, uri string, savePath string) error {
	data := map[string]interface{}{
		"uri":        uri,
		"raw_sha256": computeDigest(rawJSON),
		"raw":        json.RawMessage(rawJSON),
	}
	return saveRecord(RecordTypeMatchEvent, data, savePath)
}
