package classify

import (
	"strings"

	"github.com/chcolte/bluesky-mention-bot-go/models"
)

// 分類に使うレキシコン上の型識別子
const (
	MentionFeatureType = "app.bsky.richtext.facet#mention"
	RecordEmbedType    = "app.bsky.embed.record"
)

// Options は分類ポリシーの切り替え。過去の挙動差分はバグではなく設定として扱う。
type Options struct {
	// DetectQuotes が false の場合、引用リポストを無視する
	DetectQuotes bool
	// TextMentionPrecheck が true の場合、本文にDIDがそのまま含まれていれば
	// facetが無くてもメンションとみなす（facetベースの判定が常に優先）
	TextMentionPrecheck bool
}

// DefaultOptions は最も網羅的なポリシー（引用検出あり、facetのみ）
func DefaultOptions() Options {
	return Options{DetectQuotes: true}
}

// Classify は投稿レコードが対象DIDへのリプライ・メンション・引用のいずれかか判定する。
// 優先順位は mention > quote > reply 固定。どれにも該当しなければ ("", false)。
// レコードはCBORデコード直後の汎用値を受け取り、欠けているフィールドは
// どの深さでも「該当しない」として扱う（エラーにはしない）。
func Classify(record interface{}, targetDid string, opts Options) (string, bool) {
	rec := toStringMap(record)
	if rec == nil || targetDid == "" {
		return "", false
	}

	if isMention(rec, targetDid, opts) {
		return models.ReasonMention, true
	}
	if opts.DetectQuotes && isQuote(rec, targetDid) {
		return models.ReasonQuote, true
	}
	if isReply(rec, targetDid) {
		return models.ReasonReply, true
	}
	return "", false
}

// facets[].features[] に対象DIDのmention facetがあるか
func isMention(rec map[string]interface{}, targetDid string, opts Options) bool {
	facets, _ := rec["facets"].([]interface{})
	for _, facetRaw := range facets {
		facet := toStringMap(facetRaw)
		if facet == nil {
			continue
		}
		features, _ := facet["features"].([]interface{})
		for _, featureRaw := range features {
			feature := toStringMap(featureRaw)
			if feature == nil {
				continue
			}
			if asString(feature["$type"]) == MentionFeatureType && asString(feature["did"]) == targetDid {
				return true
			}
		}
	}

	if opts.TextMentionPrecheck {
		if text := asString(rec["text"]); text != "" && strings.Contains(text, targetDid) {
			return true
		}
	}
	return false
}

// embedが対象DIDの投稿の引用リポストか。
// URIのフィールド比較ではなく、DIDが部分文字列として含まれるかで判定する
// （at://<did>/... 形式なのでDIDは連続した部分文字列になる）
func isQuote(rec map[string]interface{}, targetDid string) bool {
	embed := toStringMap(rec["embed"])
	if embed == nil {
		return false
	}
	if asString(embed["$type"]) != RecordEmbedType {
		return false
	}
	embedded := toStringMap(embed["record"])
	if embedded == nil {
		return false
	}
	return strings.Contains(asString(embedded["uri"]), targetDid)
}

// reply.parent.uri に対象DIDが含まれるか（quoteと同じ部分文字列判定）
func isReply(rec map[string]interface{}, targetDid string) bool {
	reply := toStringMap(rec["reply"])
	if reply == nil {
		return false
	}
	parent := toStringMap(reply["parent"])
	if parent == nil {
		return false
	}
	return strings.Contains(asString(parent["uri"]), targetDid)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// CBORのマップは map[interface{}]interface{} で来ることがあるので両対応
func toStringMap(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}

	if m, ok := v.(map[string]interface{}); ok {
		return m
	}

	if m, ok := v.(map[interface{}]interface{}); ok {
		result := make(map[string]interface{})
		for k, val := range m {
			if ks, ok := k.(string); ok {
				result[ks] = val
			}
		}
		return result
	}

	return nil
}
