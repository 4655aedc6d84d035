package carblocks

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car/v2"
)

// BlockMap はCID文字列からデコード済みレコードへのマッピング
type BlockMap map[string]interface{}

// Get はCID文字列でレコードを引く。コンテナに含まれないCIDは (nil, false)
func (m BlockMap) Get(cidStr string) (interface{}, bool) {
	v, ok := m[cidStr]
	return v, ok
}

// Decode はCARコンテナをBlockMapにデコードする。
//
//   - 空のコンテナは空のマップ（エラーなし）
//   - CIDの重複は先勝ち
//   - CBORとしてデコードできないブロックは無視（投稿レコード以外のMSTノード等）
//   - 途中で切れたコンテナは読めたところまでのマップを返す（エラーなし）
//
// 純粋関数：同じバイト列からは常に同じマップが得られる。
func Decode(data []byte) (BlockMap, error) {
	result := make(BlockMap)
	if len(data) == 0 {
		return result, nil
	}

	reader, err := car.NewBlockReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read CAR header: %w", err)
	}

	for {
		block, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// 後続ブロックが壊れていても、ここまでに読めたブロックは使う
			break
		}

		key := block.Cid().String()
		if _, exists := result[key]; exists {
			continue
		}

		var record interface{}
		if err := cbor.Unmarshal(block.RawData(), &record); err != nil {
			continue
		}
		result[key] = record
	}

	return result, nil
}

// CidToString は操作やレコード内に現れるCID値を文字列に変換する。
// CBORデコード結果ではCIDがTag 42、生バイト列、文字列のいずれかで現れる。
func CidToString(v interface{}) string {
	if v == nil {
		return ""
	}

	switch c := v.(type) {
	case cbor.Tag:
		if content, ok := c.Content.([]byte); ok {
			// Tag 42のCIDはマルチベースプレフィックス(0x00)付き
			if len(content) > 1 && content[0] == 0x00 {
				content = content[1:]
			}
			_, parsed, err := cid.CidFromBytes(content)
			if err == nil {
				return parsed.String()
			}
		}
	case []byte:
		_, parsed, err := cid.CidFromBytes(c)
		if err == nil {
			return parsed.String()
		}
		return fmt.Sprintf("%x", c)
	case string:
		return c
	}
	return fmt.Sprintf("%v", v)
}
