package emitter

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/chcolte/bluesky-mention-bot-go/carblocks"
	"github.com/chcolte/bluesky-mention-bot-go/logger"
	"github.com/chcolte/bluesky-mention-bot-go/models"
	"github.com/chcolte/bluesky-mention-bot-go/utils"
)

// Emitter はマッチイベントを1行JSONで書き出す。
// bufioは挟まない：下流プロセスが行単位で即座に読めることが契約。
type Emitter struct {
	mu          sync.Mutex
	w           io.Writer
	archivePath string
}

func New(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// SetArchive を呼ぶと、出力したイベントをアーカイブファイル(JSONL)にも追記する
func (e *Emitter) SetArchive(path string) {
	e.archivePath = path
}

// Emit はイベントをシリアライズして書き出す。Recordは事前にScalarize済みであること。
func (e *Emitter) Emit(ev models.MatchEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	e.mu.Lock()
	_, werr := fmt.Fprintln(e.w, string(line))
	e.mu.Unlock()
	if werr != nil {
		return werr
	}

	// アーカイブへの追記失敗はイベント出力の成否に影響させない
	if e.archivePath != "" {
		if err := utils.SaveMatchEvent(line, ev.URI, e.archivePath); err != nil {
			logger.Errorf("Failed to archive event %s: %v", ev.URI, err)
		}
	}
	return nil
}

// Scalarize はデコード済みレコードをJSONにできる形へ再帰的に変換する。
// CBOR由来のマップキー・CIDタグ・バイナリリーフを処理し、
// バイナリはUTF-8として読めればテキスト、読めなければ16進文字列（可逆）にする。
func Scalarize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, inner := range val {
			result[k] = Scalarize(inner)
		}
		return result
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if ks, ok := k.(string); ok {
				result[ks] = Scalarize(inner)
			}
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, inner := range val {
			result[i] = Scalarize(inner)
		}
		return result
	case cbor.Tag:
		if val.Number == 42 {
			return carblocks.CidToString(val)
		}
		return Scalarize(val.Content)
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return hex.EncodeToString(val)
	default:
		return v
	}
}
