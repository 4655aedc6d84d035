package checkpoint

import (
	"os"
	"strconv"
	"strings"

	"github.com/chcolte/bluesky-mention-bot-go/logger"
)

// DefaultCursorFile はカーソルファイルのデフォルトパス
const DefaultCursorFile = "firehose_cursor.txt"

// FileStore はカーソルを10進数テキストとして1ファイルに保存する
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultCursorFile
	}
	return &FileStore{Path: path}
}

// Load はファイルからカーソルを読む。
// ファイルが無い・中身が整数でない場合は「カーソルなし」として扱い、
// 呼び出し側を失敗させない。
func (s *FileStore) Load() (uint64, bool) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Errorf("Failed to read cursor file %s: %v", s.Path, err)
		}
		return 0, false
	}

	value := strings.TrimSpace(string(data))
	if value == "" {
		return 0, false
	}

	seq, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		logger.Errorf("Invalid cursor value %q in %s. Starting from latest.", value, s.Path)
		return 0, false
	}
	return seq, true
}

// Save はカーソルを書き出す。一時ファイル+renameで、
// 読み手が書きかけの値を観測しないようにする。
func (s *FileStore) Save(seq uint64) error {
	tmpPath := s.Path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strconv.FormatUint(seq, 10)), 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.Path)
}
